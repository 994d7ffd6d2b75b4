package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/workerrpc/internal/framing"
	"github.com/guseggert/workerrpc/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// maxLoggedLine caps how much of a dropped line is logged.
const maxLoggedLine = 200

type state int

const (
	stateNotStarted state = iota
	// stateStarting covers the handshake, and also a session whose handshake failed.
	stateStarting
	stateRunning
	stateStopping
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNotStarted:
		return "not_started"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Client is an RPC client for a single worker session.
// It is safe for concurrent use.
type Client struct {
	SessionID string

	launcher     Launcher
	log          *zap.SugaredLogger
	diagLog      *zap.SugaredLogger
	registerer   prometheus.Registerer
	metrics      *metrics
	timeout      time.Duration
	closeTimeout time.Duration
	exitDrain    time.Duration

	nextID  atomic.Int64
	pending *pendingTable
	// outbox feeds the goroutine that writes to the worker's stdin, so callers never block on a full pipe.
	outbox *queue.Queue[outgoing]

	startOnce sync.Once
	startErr  error

	m        sync.Mutex
	state    state
	worker   Worker
	exitCode int

	// done is closed once the worker has exited and every outstanding request has been failed.
	done chan struct{}
}

type outgoing struct {
	id   int64
	typ  string
	line []byte
}

// New builds a client that will launch its worker with launcher when started.
func New(launcher Launcher, opts ...Option) *Client {
	c := &Client{
		SessionID:    uuid.NewString(),
		launcher:     launcher,
		log:          zap.NewNop().Sugar(),
		timeout:      DefaultTimeout,
		closeTimeout: DefaultCloseTimeout,
		exitDrain:    DefaultExitDrain,
		pending:      newPendingTable(),
		outbox:       queue.New[outgoing](),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("Session", c.SessionID)
	if c.diagLog == nil {
		c.diagLog = c.log.Named("worker")
	}
	c.metrics = newMetrics(c.registerer)
	return c
}

// Start launches the worker and waits for it to answer a ping.
// Only the first call does anything; later calls return its result.
// If the handshake fails, the worker is left running but the session is unusable, and the caller should Stop it.
func (c *Client) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.startErr = c.start(ctx)
	})
	return c.startErr
}

func (c *Client) start(ctx context.Context) error {
	c.m.Lock()
	c.state = stateStarting
	c.m.Unlock()

	c.log.Debug("launching worker")
	w, err := c.launcher.Launch(ctx)
	if err != nil {
		c.handleLaunchFailure()
		return &StartupError{Err: fmt.Errorf("launching worker: %w", err)}
	}

	c.m.Lock()
	c.worker = w
	stopped := c.state == stateStopping
	c.m.Unlock()

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go c.writeRequests(w)
	go c.logDiagnostics(w.Stderr(), stderrDone)
	go c.readResponses(w, stdoutDone)
	go c.awaitExit(w, stdoutDone, stderrDone)

	if stopped {
		c.log.Debug("stopped while launching, killing worker")
		c.kill()
		return &StartupError{Err: fmt.Errorf("stopped while launching: %w", ErrNotRunning)}
	}

	_, err = c.call(ctx, TypePing, struct{}{})
	if err != nil {
		c.log.Debugw("handshake failed", "Error", err)
		return &StartupError{Err: fmt.Errorf("handshake: %w", err)}
	}

	c.m.Lock()
	defer c.m.Unlock()
	if c.state != stateStarting {
		return &StartupError{Err: fmt.Errorf("session %s during handshake: %w", c.state, ErrNotRunning)}
	}
	c.state = stateRunning
	c.log.Debug("worker started")
	return nil
}

// handleLaunchFailure closes a session whose worker never started.
func (c *Client) handleLaunchFailure() {
	c.m.Lock()
	c.state = stateClosed
	c.exitCode = -1
	c.m.Unlock()
	c.pending.close()
	c.outbox.Close()
	close(c.done)
}

// Invoke sends a request of the given type and waits for its result.
// It fails with ErrNotRunning unless the session is running, and otherwise resolves with the worker's result,
// a *RemoteError, a *TimeoutError, a *ProcessExitedError, or the context's error.
// Each call writes exactly one request; nothing is retried.
func (c *Client) Invoke(ctx context.Context, typ string, params any) (json.RawMessage, error) {
	c.m.Lock()
	st := c.state
	c.m.Unlock()
	if st != stateRunning {
		c.metrics.requests.WithLabelValues(typ, outcomeNotRunning).Inc()
		return nil, ErrNotRunning
	}
	return c.call(ctx, typ, params)
}

// InvokeInto is Invoke followed by decoding the result into out.
func (c *Client) InvokeInto(ctx context.Context, typ string, params any, out any) error {
	raw, err := c.Invoke(ctx, typ, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", typ, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, typ string, params any) (json.RawMessage, error) {
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", typ, err)
	}

	id := c.nextID.Inc()
	line, err := json.Marshal(Request{ID: id, Type: typ, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", typ, err)
	}

	pc := newPendingCall(id, typ)
	if err := c.pending.insert(pc); err != nil {
		c.metrics.requests.WithLabelValues(typ, outcomeOf(err)).Inc()
		return nil, err
	}
	c.metrics.inflight.Inc()
	defer c.metrics.inflight.Dec()

	timer := time.AfterFunc(c.timeout, func() { c.expire(id) })
	defer timer.Stop()

	if !c.outbox.Push(outgoing{id: id, typ: typ, line: line}) {
		// the session closed after the insert; if the exit fan-out didn't get to this call, fail it here
		if _, ok := c.pending.remove(id); ok {
			c.metrics.requests.WithLabelValues(typ, outcomeNotRunning).Inc()
			return nil, ErrNotRunning
		}
	}

	var res result
	select {
	case res = <-pc.done:
	case <-ctx.Done():
		if _, ok := c.pending.remove(id); ok {
			res = result{err: ctx.Err()}
		} else {
			res = <-pc.done
		}
	}
	c.metrics.requests.WithLabelValues(typ, outcomeOf(res.err)).Inc()
	return res.value, res.err
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid JSON")
		}
		return raw, nil
	}
	return json.Marshal(params)
}

func (c *Client) expire(id int64) {
	pc, ok := c.pending.remove(id)
	if !ok {
		return
	}
	c.log.Debugw("request timed out", "ID", id, "Type", pc.typ)
	pc.resolve(nil, &TimeoutError{ID: id, Type: pc.typ, Timeout: c.timeout})
}

// writeRequests writes queued requests to the worker's stdin in order until the session closes.
// A failed write is fatal: the request fails with a *WriteError and the worker is killed.
func (c *Client) writeRequests(w Worker) {
	writer := framing.NewWriter(w.Stdin())
	for {
		out, ok := c.outbox.Next()
		if !ok {
			return
		}
		c.log.Debugw("sending request", "ID", out.id, "Type", out.typ)
		err := writer.WriteLine(out.line)
		if err == nil {
			continue
		}
		c.log.Warnw("writing to worker failed, killing it", "ID", out.id, "Error", err)
		if pc, ok := c.pending.remove(out.id); ok {
			pc.resolve(nil, &WriteError{ID: out.id, Err: err})
		}
		c.kill()
	}
}

// readResponses dispatches stdout lines until EOF.
func (c *Client) readResponses(w Worker, done chan<- struct{}) {
	defer close(done)
	r := framing.NewReader(w.Stdout())
	for {
		line, err := r.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warnw("reading worker stdout failed, killing it", "Error", err)
				c.kill()
				// drain so the worker isn't blocked on a full pipe while it dies
				_, _ = io.Copy(io.Discard, w.Stdout())
			}
			return
		}
		c.dispatch(line)
	}
}

// awaitExit waits for the worker to exit, gives its output a bounded time to drain, and then fails whatever is still pending.
// The bound matters when something else, such as a browser the worker started, still holds the worker's stdout or stderr open.
func (c *Client) awaitExit(w Worker, stdoutDone, stderrDone <-chan struct{}) {
	code, err := w.Wait()
	if err != nil {
		c.log.Debugw("waiting for worker", "Error", err)
	}

	drainTimeout := time.NewTimer(c.exitDrain)
	defer drainTimeout.Stop()
	for _, done := range []<-chan struct{}{stdoutDone, stderrDone} {
		select {
		case <-done:
		case <-drainTimeout.C:
			c.log.Warnw("worker output still open after exit, not waiting for it", "Code", code)
			c.handleExit(code)
			return
		}
	}
	c.handleExit(code)
}

func (c *Client) dispatch(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.metrics.droppedLines.WithLabelValues(dropMalformed).Inc()
		// a line with an id was probably meant as a response, and its caller will now wait for its timeout
		var withID struct {
			ID *int64 `json:"id"`
		}
		if json.Unmarshal(line, &withID) == nil && withID.ID != nil {
			c.log.Warnw("dropping invalid response", "ID", *withID.ID, "Error", err, "Line", truncate(line))
			return
		}
		c.log.Debugw("dropping non-protocol line", "Line", truncate(line))
		return
	}
	pc, ok := c.pending.remove(resp.ID)
	if !ok {
		c.metrics.droppedLines.WithLabelValues(dropUnmatched).Inc()
		c.log.Debugw("dropping response with no pending request", "ID", resp.ID)
		return
	}
	if resp.OK {
		pc.resolve(resp.Result, nil)
		return
	}
	msg := resp.Error
	if msg == "" {
		msg = defaultRemoteError
	}
	pc.resolve(nil, &RemoteError{Message: msg})
}

func truncate(b []byte) string {
	if len(b) > maxLoggedLine {
		return string(b[:maxLoggedLine]) + "..."
	}
	return string(b)
}

func (c *Client) logDiagnostics(stderr io.Reader, done chan<- struct{}) {
	defer close(done)
	r := framing.NewReader(stderr)
	for {
		line, err := r.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debugw("reading worker stderr", "Error", err)
				_, _ = io.Copy(io.Discard, stderr)
			}
			return
		}
		s := strings.TrimSpace(string(line))
		if s != "" {
			c.diagLog.Info(s)
		}
	}
}

func (c *Client) handleExit(code int) {
	c.m.Lock()
	c.state = stateClosed
	c.exitCode = code
	c.m.Unlock()

	calls := c.pending.close()
	c.outbox.Close()
	c.metrics.workerExits.Inc()
	c.log.Infow("worker exited", "Code", code, "Outstanding", len(calls))

	for _, pc := range calls {
		pc.resolve(nil, &ProcessExitedError{Code: code})
	}
	close(c.done)
}

func (c *Client) kill() {
	c.m.Lock()
	w := c.worker
	c.m.Unlock()
	if w == nil {
		return
	}
	if err := w.Kill(); err != nil {
		c.log.Debugw("killing worker", "Error", err)
	}
}

// Stop asks the worker to close, kills it, and waits for the session to wind down.
// It does nothing if the session never started or is already closed.
// If Start is still launching the worker, Start kills it as soon as it is launched.
// Errors from the close request are ignored; the only error returned is ctx's, if it ends before the worker is gone.
func (c *Client) Stop(ctx context.Context) error {
	c.m.Lock()
	switch c.state {
	case stateNotStarted, stateStopping, stateClosed:
		c.m.Unlock()
		return nil
	}
	c.state = stateStopping
	launched := c.worker != nil
	c.m.Unlock()

	if launched {
		closeCtx, cancel := context.WithTimeout(ctx, c.closeTimeout)
		_, err := c.call(closeCtx, TypeClose, struct{}{})
		cancel()
		if err != nil {
			c.log.Debugw("close request failed", "Error", err)
		}
		c.kill()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the worker has exited, or failed to launch, and all outstanding requests have been failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the worker's exit code, and whether it has exited.
func (c *Client) ExitCode() (int, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.exitCode, c.state == stateClosed
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	return c.pending.len()
}
