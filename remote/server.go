package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/workerrpc/internal/framing"
	"github.com/guseggert/workerrpc/internal/queue"
	"github.com/guseggert/workerrpc/rpc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server serves workers over WebSockets.
type Server struct {
	// Launcher starts the worker for each connection.
	Launcher rpc.Launcher
	Log      *zap.SugaredLogger

	active atomic.Int64
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/worker", s.worker)
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

func (s *Server) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

type heartbeatResponse struct {
	ActiveWorkers int64
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := json.Marshal(heartbeatResponse{ActiveWorkers: s.active.Load()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) worker(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	log := s.logger()
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	worker, err := s.Launcher.Launch(ctx)
	if err != nil {
		log.Debugf("error launching worker: %s", err)
		wsConn.Close(websocket.StatusInternalError, truncateReason(fmt.Sprintf("launching worker: %s", err)))
		return
	}

	s.active.Inc()
	defer s.active.Dec()

	b := &bridge{
		log:    log.Named("worker_bridge"),
		conn:   wsConn,
		ctx:    ctx,
		worker: worker,
		stdin:  framing.NewWriter(worker.Stdin()),
		lines:  queue.New[[]byte](),
	}
	b.run()
}

// bridge connects one worker to one WebSocket conn.
type bridge struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	worker rpc.Worker
	stdin  *framing.Writer
	// lines holds client lines for the worker's stdin, so a worker that stops reading can't stall the conn.
	lines *queue.Queue[[]byte]

	closeConnOnce sync.Once
}

func (b *bridge) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go b.pump(&wg, b.worker.Stdout(), func(line string) any { return serverMessage{Stdout: line} })
	go b.pump(&wg, b.worker.Stderr(), func(line string) any { return serverMessage{Stderr: line} })

	readDone := make(chan struct{})
	go b.readMessages(readDone)
	go b.writeStdin()

	wg.Wait()
	code, err := b.worker.Wait()
	if err != nil {
		b.log.Debugf("unexpected wait error: %s", err)
	}
	b.log.Debugf("worker exited with code %d, sending message", code)
	err = wsjson.Write(b.ctx, b.conn, serverMessage{Exited: true, ExitCode: code})
	if err != nil {
		b.log.Debugf("error sending exit code: %s", err)
	}
	b.close(websocket.StatusNormalClosure, "")
	<-readDone
}

func (b *bridge) close(code websocket.StatusCode, reason string) {
	b.closeConnOnce.Do(func() {
		err := b.conn.Close(code, truncateReason(reason))
		if err != nil {
			b.log.Debugf("error closing conn: %s", err)
		}
	})
}

// pump forwards each line of r as a message. If the client is gone, the worker is killed and r is drained so it can exit.
func (b *bridge) pump(wg *sync.WaitGroup, r io.Reader, msg func(line string) any) {
	defer wg.Done()
	writer := &lineWriter{
		log:      b.log,
		ctx:      b.ctx,
		conn:     b.conn,
		writeMsg: msg,
	}
	lines := framing.NewReader(r)
	for {
		line, err := lines.ReadLine()
		if errors.Is(err, io.EOF) {
			return
		}
		if err == nil {
			_, err = writer.Write(append(line, '\n'))
		}
		if err != nil {
			b.log.Debugf("forwarding worker output: %s", err)
			b.kill()
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

func (b *bridge) kill() {
	if err := b.worker.Kill(); err != nil {
		b.log.Debugf("error killing worker: %s", err)
	}
}

func (b *bridge) writeStdin() {
	for {
		line, ok := b.lines.Next()
		if !ok {
			return
		}
		if err := b.stdin.WriteLine(line); err != nil {
			b.log.Debugf("stdin write error: %s", err)
		}
	}
}

// readMessages queues client lines for the worker's stdin and handles kill requests until the conn closes, at which point the worker is killed.
func (b *bridge) readMessages(done chan<- struct{}) {
	defer close(done)
	defer b.lines.Close()
	for {
		var msg clientMessage
		err := wsjson.Read(b.ctx, b.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				b.log.Debug("got normal closure from client")
			} else {
				b.log.Debugf("message reader got error: %s", err)
			}
			b.kill()
			return
		}
		if msg.Line != "" {
			b.lines.Push([]byte(msg.Line))
		}
		if msg.Kill {
			b.log.Debug("client asked to kill worker")
			b.kill()
		}
	}
}
