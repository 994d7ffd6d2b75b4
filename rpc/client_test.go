package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/workerrpc/internal/framing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// fakeWorker is an in-memory worker whose responses and exit are driven by the test.
type fakeWorker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	requests chan Request
	// stdinGate is held to stop the worker from reading its stdin.
	stdinGate sync.Mutex

	writeM   sync.Mutex
	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

func newFakeWorker() *fakeWorker {
	f := &fakeWorker{
		requests: make(chan Request, 1000),
		exited:   make(chan struct{}),
	}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	go func() {
		r := framing.NewReader(gatedReader{r: f.stdinR, gate: &f.stdinGate})
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				panic(fmt.Sprintf("client wrote invalid request %q: %s", line, err))
			}
			f.requests <- req
		}
	}()
	return f
}

// gatedReader reads only while gate is not held.
type gatedReader struct {
	r    io.Reader
	gate *sync.Mutex
}

func (g gatedReader) Read(p []byte) (int, error) {
	g.gate.Lock()
	g.gate.Unlock()
	return g.r.Read(p)
}

func (f *fakeWorker) Stdin() io.Writer   { return f.stdinW }
func (f *fakeWorker) Stdout() io.Reader  { return f.stdoutR }
func (f *fakeWorker) Stderr() io.Reader  { return f.stderrR }
func (f *fakeWorker) Kill() error        { f.exit(-1); return nil }
func (f *fakeWorker) Wait() (int, error) { <-f.exited; return f.code, nil }

func (f *fakeWorker) exit(code int) {
	f.exitOnce.Do(func() {
		f.code = code
		f.stdinR.Close()
		f.stdoutW.Close()
		f.stderrW.Close()
		close(f.exited)
	})
}

// exitLeavingOutputOpen exits without closing stdout or stderr, as when a process started by the worker still holds them.
func (f *fakeWorker) exitLeavingOutputOpen(code int) {
	f.exitOnce.Do(func() {
		f.code = code
		f.stdinR.Close()
		close(f.exited)
	})
}

func (f *fakeWorker) writeStdout(line string) {
	f.writeM.Lock()
	defer f.writeM.Unlock()
	_, _ = f.stdoutW.Write([]byte(line + "\n"))
}

func (f *fakeWorker) respond(id int64, ok bool, result string) {
	if ok {
		f.writeStdout(fmt.Sprintf(`{"id":%d,"ok":true,"result":%s}`, id, result))
		return
	}
	f.writeStdout(fmt.Sprintf(`{"id":%d,"ok":false,"error":%q}`, id, result))
}

func (f *fakeWorker) next(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
		return Request{}
	}
}

type launcherFunc func(ctx context.Context) (Worker, error)

func (f launcherFunc) Launch(ctx context.Context) (Worker, error) { return f(ctx) }

func launcherOf(w Worker) Launcher {
	return launcherFunc(func(context.Context) (Worker, error) { return w, nil })
}

// startClient starts a client against f, answering the handshake ping.
func startClient(t *testing.T, f *fakeWorker, opts ...Option) *Client {
	t.Helper()
	c := New(launcherOf(f), opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	req := f.next(t)
	require.Equal(t, TypePing, req.Type)
	f.respond(req.ID, true, "true")
	require.NoError(t, <-errCh)
	t.Cleanup(func() { f.exit(0) })
	return c
}

func TestStartHandshake(t *testing.T) {
	f := newFakeWorker()
	c := New(launcherOf(f))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	req := f.next(t)
	assert.Equal(t, int64(1), req.ID)
	assert.Equal(t, "ping", req.Type)
	assert.JSONEq(t, `{}`, string(req.Params))

	f.writeStdout(`{"id":1,"ok":true,"result":true}`)
	require.NoError(t, <-errCh)

	// starting again is a no-op and sends nothing
	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, f.requests)
	f.exit(0)
}

func TestRemoteError(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		expMsg string
	}{
		{
			name:   "error message",
			line:   `{"id":2,"ok":false,"error":"nav_failed"}`,
			expMsg: "nav_failed",
		},
		{
			name:   "no error message",
			line:   `{"id":2,"ok":false}`,
			expMsg: "agent_error",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFakeWorker()
			client := startClient(t, f)

			errCh := make(chan error, 1)
			go func() {
				_, err := client.Invoke(context.Background(), "goto", map[string]string{"url": "https://example.com"})
				errCh <- err
			}()

			req := f.next(t)
			assert.Equal(t, int64(2), req.ID)
			assert.Equal(t, "goto", req.Type)
			assert.JSONEq(t, `{"url":"https://example.com"}`, string(req.Params))
			f.writeStdout(c.line)

			err := <-errCh
			var remoteErr *RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, c.expMsg, remoteErr.Message)
		})
	}
}

func TestInvokeResult(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	type content struct {
		HTML string `json:"html"`
	}
	resCh := make(chan content, 1)
	go func() {
		var res content
		assert.NoError(t, c.InvokeInto(context.Background(), "content", nil, &res))
		resCh <- res
	}()

	req := f.next(t)
	assert.JSONEq(t, `{}`, string(req.Params))
	f.respond(req.ID, true, `{"html":"<p>hi</p>"}`)
	assert.Equal(t, "<p>hi</p>", (<-resCh).HTML)
}

func TestProcessExitFailsOutstandingRequests(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	go func() {
		req := <-f.requests
		f.respond(req.ID, true, "true")
	}()
	_, err := c.Invoke(context.Background(), "open", nil)
	require.NoError(t, err)

	group, ctx := errgroup.WithContext(context.Background())
	errs := make([]error, 2)
	for i := range errs {
		i := i
		group.Go(func() error {
			_, errs[i] = c.Invoke(ctx, "click", map[string]string{"selector": "#go"})
			return nil
		})
	}

	ids := []int64{f.next(t).ID, f.next(t).ID}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{3, 4}, ids)

	f.exit(1)
	require.NoError(t, group.Wait())

	for _, err := range errs {
		var exitErr *ProcessExitedError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 1, exitErr.Code)
	}

	<-c.Done()
	code, exited := c.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 1, code)

	// stopping a closed session does nothing
	require.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, f.requests)

	_, err = c.Invoke(context.Background(), "content", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFakeWorker()
	c := startClient(t, f, WithTimeout(50*time.Millisecond), WithRegisterer(reg))

	start := time.Now()
	_, err := c.Invoke(context.Background(), "screenshot", nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, int64(2), timeoutErr.ID)
	assert.Equal(t, "screenshot", timeoutErr.Type)
	assert.Equal(t, 0, c.Pending())

	// the late response is discarded
	req := f.next(t)
	f.respond(req.ID, true, `"late"`)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.droppedLines.WithLabelValues(dropUnmatched)) == 1
	}, time.Second, 5*time.Millisecond)

	// the session is still usable
	go func() {
		req := <-f.requests
		f.respond(req.ID, true, `"fresh"`)
	}()
	res, err := c.Invoke(context.Background(), "content", nil)
	require.NoError(t, err)
	assert.Equal(t, `"fresh"`, string(res))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.requests.WithLabelValues("screenshot", outcomeTimeout)))
}

func TestConcurrentRequestsCompleteOutOfOrder(t *testing.T) {
	const n = 50
	f := newFakeWorker()
	c := startClient(t, f)

	// collect every request before answering, then answer in reverse order
	go func() {
		var reqs []Request
		for i := 0; i < n; i++ {
			reqs = append(reqs, <-f.requests)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			f.respond(reqs[i].ID, true, fmt.Sprintf(`{"echo":%s}`, reqs[i].Params))
		}
	}()

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			var res struct {
				Echo struct {
					N int `json:"n"`
				} `json:"echo"`
			}
			err := c.InvokeInto(ctx, "echo", map[string]int{"n": i}, &res)
			if err != nil {
				return err
			}
			if res.Echo.N != i {
				return fmt.Errorf("caller %d got result for %d", i, res.Echo.N)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 0, c.Pending())
}

func TestIDsStrictlyIncrease(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	go func() {
		for i := 0; i < 5; i++ {
			req := <-f.requests
			f.respond(req.ID, true, fmt.Sprintf("%d", req.ID))
		}
	}()

	var last int64 = 1
	for i := 0; i < 5; i++ {
		res, err := c.Invoke(context.Background(), "open", nil)
		require.NoError(t, err)
		var id int64
		require.NoError(t, json.Unmarshal(res, &id))
		assert.Greater(t, id, last)
		last = id
	}
}

func TestNoiseAndUnknownIDsAreDropped(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	resCh := make(chan json.RawMessage, 1)
	go func() {
		res, err := c.Invoke(context.Background(), "content", nil)
		assert.NoError(t, err)
		resCh <- res
	}()

	req := f.next(t)
	f.writeStdout("INFO loading model")
	f.writeStdout("{not json")
	f.writeStdout(`"just a string"`)
	f.writeStdout(`{"id":999,"ok":true,"result":"stray"}`)
	f.writeStdout(`{"id":1,"ok":true,"result":"already resolved"}`)
	f.respond(req.ID, true, `"mine"`)

	assert.Equal(t, `"mine"`, string(<-resCh))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.metrics.droppedLines.WithLabelValues(dropMalformed)))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.droppedLines.WithLabelValues(dropUnmatched)))
}

func TestInvokeBeforeStart(t *testing.T) {
	f := newFakeWorker()
	c := New(launcherOf(f))

	_, err := c.Invoke(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, f.requests)
}

func TestStartupErrors(t *testing.T) {
	t.Run("launch failure", func(t *testing.T) {
		c := New(launcherFunc(func(context.Context) (Worker, error) {
			return nil, errors.New("no such file")
		}))
		err := c.Start(context.Background())
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr)
		assert.ErrorContains(t, err, "no such file")

		// the failure sticks
		assert.Equal(t, err, c.Start(context.Background()))
	})

	t.Run("handshake rejected", func(t *testing.T) {
		f := newFakeWorker()
		c := New(launcherOf(f), WithCloseTimeout(20*time.Millisecond))
		errCh := make(chan error, 1)
		go func() { errCh <- c.Start(context.Background()) }()

		req := f.next(t)
		f.respond(req.ID, false, "browser_missing")

		err := <-errCh
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr)
		var remoteErr *RemoteError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, "browser_missing", remoteErr.Message)

		// the worker is still alive but the session is unusable
		_, exited := c.ExitCode()
		assert.False(t, exited)
		_, err = c.Invoke(context.Background(), "goto", nil)
		require.ErrorIs(t, err, ErrNotRunning)

		require.NoError(t, c.Stop(context.Background()))
		_, exited = c.ExitCode()
		assert.True(t, exited)
	})

	t.Run("handshake timeout", func(t *testing.T) {
		f := newFakeWorker()
		defer f.exit(0)
		c := New(launcherOf(f), WithTimeout(20*time.Millisecond))

		err := c.Start(context.Background())
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("worker exits during handshake", func(t *testing.T) {
		f := newFakeWorker()
		c := New(launcherOf(f))
		errCh := make(chan error, 1)
		go func() { errCh <- c.Start(context.Background()) }()

		f.next(t)
		f.exit(3)

		err := <-errCh
		var exitErr *ProcessExitedError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 3, exitErr.Code)
	})
}

func TestStop(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	stopErr := make(chan error, 1)
	go func() { stopErr <- c.Stop(context.Background()) }()

	req := f.next(t)
	assert.Equal(t, TypeClose, req.Type)
	f.respond(req.ID, true, "true")

	require.NoError(t, <-stopErr)
	select {
	case <-c.Done():
	default:
		t.Fatal("session not closed after Stop")
	}
	code, exited := c.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, -1, code)

	require.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, f.requests)

	_, err := c.Invoke(context.Background(), "content", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStopIgnoresUnresponsiveWorker(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f, WithCloseTimeout(20*time.Millisecond))

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, TypeClose, f.next(t).Type)
	<-c.Done()
}

func TestContextCancellation(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "run_goal", map[string]string{"goal": "book a slot"})
		errCh <- err
	}()

	req := f.next(t)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, c.Pending())

	// a response after cancellation is discarded
	f.respond(req.ID, true, "true")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.droppedLines.WithLabelValues(dropUnmatched)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEachRequestResolvesOnce(t *testing.T) {
	const n = 200
	reg := prometheus.NewRegistry()
	f := newFakeWorker()
	c := startClient(t, f, WithTimeout(20*time.Millisecond), WithRegisterer(reg))

	// respond around the timeout so responses and timers race
	go func() {
		for i := 0; i < n; i++ {
			req := <-f.requests
			go func() {
				time.Sleep(time.Duration(rand.Intn(40)) * time.Millisecond)
				f.respond(req.ID, true, "true")
			}()
		}
	}()

	var (
		m        sync.Mutex
		ok       int
		timedOut int
	)
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		group.Go(func() error {
			_, err := c.Invoke(ctx, "content", nil)
			m.Lock()
			defer m.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrTimeout):
				timedOut++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, n, ok+timedOut)
	assert.Equal(t, 0, c.Pending())

	// late responses never resolve anything twice
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.droppedLines.WithLabelValues(dropUnmatched)) == float64(timedOut)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(ok), testutil.ToFloat64(c.metrics.requests.WithLabelValues("content", outcomeOK)))
	assert.Equal(t, float64(timedOut), testutil.ToFloat64(c.metrics.requests.WithLabelValues("content", outcomeTimeout)))
}

func TestDiagnosticsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFakeWorker()
	c := startClient(t, f, WithDiagnosticLogger(zap.New(core)))

	go func() { _, _ = f.stderrW.Write([]byte("Traceback (most recent call last):\n\n  boom\n")) }()

	require.Eventually(t, func() bool { return logs.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Traceback (most recent call last):", logs.All()[0].Message)
	assert.Equal(t, "boom", logs.All()[1].Message)
	assert.Equal(t, 0, c.Pending())
}

func TestInvalidParams(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	_, err := c.Invoke(context.Background(), "type", make(chan int))
	require.ErrorContains(t, err, "encoding type params")

	_, err = c.Invoke(context.Background(), "type", json.RawMessage(`{"text":`))
	require.ErrorContains(t, err, "invalid JSON")
	assert.Empty(t, f.requests)
}

func TestWriteFailureClosesSession(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f)

	// the worker stops reading its stdin but stays alive until killed
	f.stdinR.CloseWithError(errors.New("broken pipe"))

	_, err := c.Invoke(context.Background(), "content", nil)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorContains(t, err, "broken pipe")
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, int64(2), writeErr.ID)

	<-c.Done()
	code, _ := c.ExitCode()
	assert.Equal(t, -1, code)
}

func TestMetricsShareRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(launcherOf(newFakeWorker()), WithRegisterer(reg))
	b := New(launcherOf(newFakeWorker()), WithRegisterer(reg))
	assert.Same(t, a.metrics.requests, b.metrics.requests)
	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestTimeoutWhileWriteBlocked(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f, WithTimeout(50*time.Millisecond))

	// the worker stops reading, so a large request fills the pipe and its write blocks
	f.stdinGate.Lock()
	defer f.stdinGate.Unlock()

	start := time.Now()
	_, err := c.Invoke(context.Background(), "type", map[string]string{"text": strings.Repeat("x", 1<<20)})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// requests queued behind the blocked write still honor their context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start = time.Now()
	_, err = c.Invoke(ctx, "content", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.Pending())
}

func TestStopWhileWriteBlocked(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f, WithCloseTimeout(20*time.Millisecond))

	f.stdinGate.Lock()
	defer f.stdinGate.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "type", map[string]string{"text": strings.Repeat("x", 1<<20)})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	// killing the worker fails the blocked write or, if the exit is seen first, the request itself
	err := <-errCh
	var (
		exitErr  *ProcessExitedError
		writeErr *WriteError
	)
	assert.True(t, errors.As(err, &exitErr) || errors.As(err, &writeErr), "unexpected error: %v", err)
}

func TestExitDetectedWhileOutputStaysOpen(t *testing.T) {
	f := newFakeWorker()
	c := startClient(t, f, WithExitDrain(50*time.Millisecond))
	t.Cleanup(func() {
		f.stdoutW.Close()
		f.stderrW.Close()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "goto", map[string]string{"url": "https://example.com"})
		errCh <- err
	}()
	f.next(t)

	start := time.Now()
	f.exitLeavingOutputOpen(1)

	var exitErr *ProcessExitedError
	require.ErrorAs(t, <-errCh, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Less(t, time.Since(start), time.Second)

	<-c.Done()
	code, exited := c.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 1, code)
}

func TestStopWhileLaunching(t *testing.T) {
	f := newFakeWorker()
	launching := make(chan struct{})
	release := make(chan struct{})
	c := New(launcherFunc(func(context.Context) (Worker, error) {
		close(launching)
		<-release
		return f, nil
	}))

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	<-launching

	stopErr := make(chan error, 1)
	go func() { stopErr <- c.Stop(context.Background()) }()
	require.Eventually(t, func() bool {
		c.m.Lock()
		defer c.m.Unlock()
		return c.state == stateStopping
	}, time.Second, 5*time.Millisecond)
	close(release)

	err := <-startErr
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, ErrNotRunning)
	require.NoError(t, <-stopErr)

	// the launched worker was killed and never got a request
	select {
	case <-f.exited:
	default:
		t.Fatal("worker launched during Stop is still running")
	}
	assert.Empty(t, f.requests)
}

func TestStopAfterLaunchFailure(t *testing.T) {
	c := New(launcherFunc(func(context.Context) (Worker, error) {
		return nil, errors.New("no such file")
	}))
	require.Error(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	<-c.Done()
}

func TestInvalidResponsesAreLoggedAsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFakeWorker()
	c := startClient(t, f, WithLogger(zap.New(core)), WithTimeout(50*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "content", nil)
		errCh <- err
	}()
	req := f.next(t)
	f.writeStdout("INFO loading model")
	f.writeStdout(fmt.Sprintf(`{"id":%d,"ok":1,"result":"html"}`, req.ID))

	require.ErrorIs(t, <-errCh, ErrTimeout)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.droppedLines.WithLabelValues(dropMalformed)))

	warnings := logs.FilterMessage("dropping invalid response").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, req.ID, warnings[0].ContextMap()["ID"])
	assert.Equal(t, 0, logs.FilterMessage("dropping non-protocol line").Len())
}
