package rpc

import (
	"context"
	"io"
)

// Worker is a running worker process.
type Worker interface {
	// Stdin receives framed requests.
	Stdin() io.Writer
	// Stdout yields framed responses, and should reach EOF soon after the worker exits,
	// even if processes started by the worker still hold it open.
	Stdout() io.Reader
	// Stderr yields diagnostic text, with the same EOF behavior as Stdout.
	Stderr() io.Reader
	// Wait blocks until the worker exits and returns its exit code.
	// It is called concurrently with reads from Stdout and Stderr.
	Wait() (int, error)
	// Kill terminates the worker.
	Kill() error
}

// Launcher starts a worker.
// The context only bounds the launch itself, not the lifetime of the worker.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}
