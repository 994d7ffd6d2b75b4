package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/workerrpc/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Launcher launches workers on a remote Server.
type Launcher struct {
	HTTPClient *http.Client
	// URL is the server's base URL, such as http://host:8080.
	URL    string
	Logger *zap.SugaredLogger

	retryMax                 int
	customizeRetryableClient func(*retryablehttp.Client)
}

type LauncherOption func(l *Launcher)

func WithLauncherLogger(l *zap.Logger) LauncherOption {
	return func(c *Launcher) {
		c.Logger = l.Named("remote_launcher").Sugar()
	}
}

// WithRetryMax sets how many times establishing a connection is retried.
func WithRetryMax(n int) LauncherOption {
	return func(c *Launcher) {
		c.retryMax = n
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) LauncherOption {
	return func(c *Launcher) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewLauncher builds a Launcher for the server at baseURL.
func NewLauncher(baseURL string, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		URL:      strings.TrimSuffix(baseURL, "/"),
		Logger:   zap.NewNop().Sugar(),
		retryMax: 5,
	}
	for _, opt := range opts {
		opt(l)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = l.retryMax
	retryClient.Logger = &logAdapter{SugaredLogger: l.Logger}
	if l.customizeRetryableClient != nil {
		l.customizeRetryableClient(retryClient)
	}
	l.HTTPClient = retryClient.StandardClient()
	return l
}

// Launch opens a WebSocket connection to the server, which launches a worker for it.
func (l *Launcher) Launch(ctx context.Context) (rpc.Worker, error) {
	u := l.URL + "/worker"
	l.Logger.Debugw("dialing WebSocket for worker", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      l.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to %s: %w", u, err)
	}
	wsConn.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	w := &remoteWorker{
		log:    l.Logger.Named("remote_worker"),
		conn:   wsConn,
		ctx:    connCtx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	w.stdoutR, w.stdoutW = io.Pipe()
	w.stderrR, w.stderrW = io.Pipe()
	w.stdin = &lineWriter{
		log:      w.log.Named("stdin_writer"),
		ctx:      connCtx,
		conn:     wsConn,
		writeMsg: func(line string) any { return clientMessage{Line: line} },
	}
	go w.readMessages()
	return w, nil
}

// killTimeout bounds sending a kill request, after which the conn is dropped instead.
const killTimeout = 5 * time.Second

// remoteWorker is a worker running on a remote server.
type remoteWorker struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	stdin   *lineWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exited   chan struct{}
	code     int
	waitErr  error
	killOnce sync.Once
}

func (w *remoteWorker) Stdin() io.Writer  { return w.stdin }
func (w *remoteWorker) Stdout() io.Reader { return w.stdoutR }
func (w *remoteWorker) Stderr() io.Reader { return w.stderrR }

func (w *remoteWorker) Wait() (int, error) {
	<-w.exited
	return w.code, w.waitErr
}

// Kill asks the server to kill the worker. If the server can't be reached, the conn is dropped, which kills the worker too.
func (w *remoteWorker) Kill() error {
	var err error
	w.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(w.ctx, killTimeout)
		defer cancel()
		err = wsjson.Write(ctx, w.conn, clientMessage{Kill: true})
		if err != nil {
			w.log.Debugf("sending kill: %s", err)
			w.conn.Close(websocket.StatusGoingAway, "killed")
		}
	})
	return nil
}

func (w *remoteWorker) readMessages() {
	defer w.cancel()
	defer close(w.exited)
	defer w.stderrW.Close()
	defer w.stdoutW.Close()

	for {
		var msg serverMessage
		err := wsjson.Read(w.ctx, w.conn, &msg)
		if err != nil {
			w.log.Debugf("message reader got error: %s", err)
			w.code = -1
			w.waitErr = fmt.Errorf("conn closed before worker exited: %w", err)
			w.conn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
			return
		}
		if msg.Stdout != "" {
			if _, err := w.stdoutW.Write([]byte(msg.Stdout + "\n")); err != nil {
				w.log.Debugf("stdout write error: %s", err)
			}
		}
		if msg.Stderr != "" {
			if _, err := w.stderrW.Write([]byte(msg.Stderr + "\n")); err != nil {
				w.log.Debugf("stderr write error: %s", err)
			}
		}
		if msg.Exited {
			w.code = msg.ExitCode
			w.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
