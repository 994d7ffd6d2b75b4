package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds how long a request waits for its response.
	DefaultTimeout = 120 * time.Second
	// DefaultCloseTimeout bounds the best-effort close request sent by Stop.
	DefaultCloseTimeout = 5 * time.Second
	// DefaultExitDrain bounds how long output is still read after the worker exits.
	DefaultExitDrain = 2 * time.Second
)

type Option func(c *Client)

// WithTimeout sets the per-request timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCloseTimeout sets how long Stop waits for the worker to acknowledge a close request before killing it.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithExitDrain sets how long the client keeps reading the worker's output after it exits before failing outstanding requests.
// Non-positive values are ignored.
func WithExitDrain(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.exitDrain = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("rpc_client").Sugar()
	}
}

// WithDiagnosticLogger sets where the worker's stderr lines are logged.
// By default they go to the client's logger.
func WithDiagnosticLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.diagLog = l.Sugar()
	}
}

// WithRegisterer registers the client's metrics with reg.
// Clients sharing a registerer share their collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}
