// Package testworker is a worker written in Go that speaks the line protocol, for exercising clients in tests.
//
// Test binaries can act as the worker by calling RunIfRequested from TestMain and re-executing themselves with EnvVar set.
package testworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/workerrpc/internal/framing"
)

// EnvVar makes RunIfRequested turn the current process into a worker.
const EnvVar = "WORKERRPC_TEST_WORKER"

// lingerEnvVar makes RunIfRequested sleep for the given duration and exit, standing in for a background process started by the worker.
const lingerEnvVar = "WORKERRPC_TEST_LINGER"

type request struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     int64  `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Handler answers one request. Returning an error fails the request with the error's message.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Worker serves requests with its handlers. Unknown types fail with "unknown_type".
type Worker struct {
	Handlers map[string]Handler
	Stdout   *framing.Writer
	Stderr   io.Writer
}

// New returns a worker with the default handlers, writing responses to stdout and diagnostics to stderr.
func New(stdout, stderr io.Writer) *Worker {
	w := &Worker{
		Stdout: framing.NewWriter(stdout),
		Stderr: stderr,
	}
	w.Handlers = map[string]Handler{
		"ping": func(context.Context, json.RawMessage) (any, error) { return true, nil },
		"echo": func(_ context.Context, params json.RawMessage) (any, error) { return params, nil },
		"sleep": func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				MS     int `json:"ms"`
				Result any `json:"result"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(p.MS) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return p.Result, nil
		},
		"fail": func(_ context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, errors.New(p.Message)
		},
		"noise": func(_ context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Stdout string `json:"stdout"`
				Stderr string `json:"stderr"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.Stdout != "" {
				if err := w.Stdout.WriteLine([]byte(p.Stdout)); err != nil {
					return nil, err
				}
			}
			if p.Stderr != "" {
				fmt.Fprintln(w.Stderr, p.Stderr)
			}
			return true, nil
		},
	}
	for _, typ := range []string{"goto", "click", "type", "content", "screenshot", "open", "run_goal"} {
		typ := typ
		w.Handlers[typ] = func(_ context.Context, params json.RawMessage) (any, error) {
			return map[string]any{"type": typ, "params": params}, nil
		}
	}
	return w
}

// Serve answers requests read from r until r is exhausted or a close request has been answered.
// Requests are handled concurrently, so responses may be written in any order.
func (w *Worker) Serve(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	reader := framing.NewReader(r)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintf(w.Stderr, "ignoring malformed request: %s\n", err)
			continue
		}
		if req.Type == "close" {
			wg.Wait()
			return w.Stdout.WriteMessage(response{ID: req.ID, OK: true, Result: true})
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := w.handle(ctx, req)
			if err := w.Stdout.WriteMessage(resp); err != nil {
				fmt.Fprintf(w.Stderr, "writing response %d: %s\n", req.ID, err)
			}
		}()
	}
}

func (w *Worker) handle(ctx context.Context, req request) response {
	h, ok := w.Handlers[req.Type]
	if !ok {
		return response{ID: req.ID, Error: "unknown_type"}
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		return response{ID: req.ID, Error: err.Error()}
	}
	return response{ID: req.ID, OK: true, Result: result}
}

// RunIfRequested serves the process's stdin and exits if EnvVar is set, and returns otherwise.
// Besides the default handlers, the process worker handles "exit" requests ({"code": N}) by exiting immediately.
//
// An "exit_lingering" request ({"code": N, "lingerMS": M}) first starts a background process that inherits
// the worker's stdout and stderr and holds them for M milliseconds, then exits with code N.
func RunIfRequested() {
	if d := os.Getenv(lingerEnvVar); d != "" {
		ms, _ := strconv.Atoi(d)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		os.Exit(0)
	}
	if os.Getenv(EnvVar) == "" {
		return
	}
	w := New(os.Stdout, os.Stderr)
	w.Handlers["exit"] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(params, &p)
		os.Exit(p.Code)
		return nil, nil
	}
	w.Handlers["exit_lingering"] = func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Code     int `json:"code"`
			LingerMS int `json:"lingerMS"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		cmd := exec.Command(os.Args[0])
		cmd.Env = append(os.Environ(), lingerEnvVar+"="+strconv.Itoa(p.LingerMS))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		os.Exit(p.Code)
		return nil, nil
	}
	fmt.Fprintln(os.Stderr, "test worker ready")
	if err := w.Serve(context.Background(), os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
