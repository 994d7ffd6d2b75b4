package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRunning is returned for requests made before the session started or after it closed.
	ErrNotRunning = errors.New("worker not running")

	// ErrTimeout matches any *TimeoutError with errors.Is.
	ErrTimeout = errors.New("request timed out")
)

// StartupError is returned by Start when the worker could not be launched or did not answer the handshake.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return fmt.Sprintf("starting worker: %s", e.Err) }

func (e *StartupError) Unwrap() error { return e.Err }

// TimeoutError is returned when the worker did not respond to a request in time.
type TimeoutError struct {
	ID      int64
	Type    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %s", e.ID, e.Type, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ProcessExitedError is returned to every outstanding request when the worker exits.
type ProcessExitedError struct {
	Code int
}

func (e *ProcessExitedError) Error() string { return fmt.Sprintf("worker exited with code %d", e.Code) }

// RemoteError is a failure reported by the worker for one request.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// WriteError is returned when a request could not be written to the worker.
// The worker is killed when this happens, so it also matches ErrNotRunning.
type WriteError struct {
	ID  int64
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: writing request %d: %s", ErrNotRunning, e.ID, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrNotRunning, e.Err} }
