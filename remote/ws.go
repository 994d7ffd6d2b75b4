package remote

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// lineWriter sends every complete line written to it as one WebSocket message.
// Partial lines are buffered until their newline arrives.
type lineWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with each line, without its newline, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(line string) any

	m   sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(b), nil
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]

		msg := w.writeMsg(line)
		err := wsjson.Write(w.ctx, w.conn, &msg)
		if err != nil {
			w.log.Debugw("writing line to WebSocket", "Error", err)
			return 0, err
		}
	}
}

func truncateReason(reason string) string {
	// websocket close reasons can't be above 123 bytes
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}
