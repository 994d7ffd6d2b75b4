package browseruse

import (
	"context"
	"encoding/json"

	"github.com/guseggert/workerrpc/rpc"
	"go.uber.org/zap"
)

// Client is a browser agent session.
type Client struct {
	RPC *rpc.Client

	log     *zap.Logger
	rpcOpts []rpc.Option
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithRPCOptions passes options through to the underlying rpc.Client.
func WithRPCOptions(opts ...rpc.Option) Option {
	return func(c *Client) {
		c.rpcOpts = append(c.rpcOpts, opts...)
	}
}

// New builds a client that runs the worker described by cfg as a local process.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := newClient(opts)
	cmd, err := cfg.Command(c.log.Named("worker_process").Sugar())
	if err != nil {
		return nil, err
	}
	c.setup(cmd, cfg)
	return c, nil
}

// NewWithLauncher builds a client whose worker is started by launcher, such as a remote.Launcher.
// Only cfg's timeout applies; the rest of cfg is the launcher's concern.
func NewWithLauncher(launcher rpc.Launcher, cfg Config, opts ...Option) *Client {
	c := newClient(opts)
	c.setup(launcher, cfg)
	return c
}

func newClient(opts []Option) *Client {
	c := &Client{log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) setup(launcher rpc.Launcher, cfg Config) {
	rpcOpts := append([]rpc.Option{
		rpc.WithLogger(c.log),
		rpc.WithTimeout(cfg.Timeout()),
	}, c.rpcOpts...)
	c.RPC = rpc.New(launcher, rpcOpts...)
}

// Start launches the worker and waits until it answers.
func (c *Client) Start(ctx context.Context) error { return c.RPC.Start(ctx) }

// Stop shuts the worker down.
func (c *Client) Stop(ctx context.Context) error { return c.RPC.Stop(ctx) }

func (c *Client) Goto(ctx context.Context, url string) (json.RawMessage, error) {
	return c.RPC.Invoke(ctx, "goto", map[string]string{"url": url})
}

func (c *Client) Click(ctx context.Context, params any) (json.RawMessage, error) {
	return c.RPC.Invoke(ctx, "click", params)
}

func (c *Client) Type(ctx context.Context, params any) (json.RawMessage, error) {
	return c.RPC.Invoke(ctx, "type", params)
}

func (c *Client) Content(ctx context.Context) (json.RawMessage, error) {
	return c.RPC.Invoke(ctx, "content", nil)
}

func (c *Client) Screenshot(ctx context.Context, params any) (json.RawMessage, error) {
	return c.RPC.Invoke(ctx, "screenshot", params)
}

func (c *Client) Open(ctx context.Context) (json.RawMessage, error) {
	return c.RPC.Invoke(ctx, "open", nil)
}

type runGoalParams struct {
	Goal     string  `json:"goal"`
	StartURL *string `json:"startUrl"`
	MaxSteps int     `json:"maxSteps,omitempty"`
}

// RunGoal asks the agent to accomplish goal, optionally starting at startURL.
// A zero maxSteps leaves the worker's configured limit in place.
func (c *Client) RunGoal(ctx context.Context, goal, startURL string, maxSteps int) (json.RawMessage, error) {
	p := runGoalParams{Goal: goal, MaxSteps: maxSteps}
	if startURL != "" {
		p.StartURL = &startURL
	}
	return c.RPC.Invoke(ctx, "run_goal", p)
}
