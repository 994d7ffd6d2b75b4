package framing

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer writes newline-terminated messages to an underlying stream.
// It is safe for concurrent use; each message is written with a single Write call,
// so message N is fully written before message N+1 starts.
type Writer struct {
	m sync.Mutex
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage JSON-encodes v and writes it as one line.
func (w *Writer) WriteMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return w.WriteLine(b)
}

// WriteLine writes b followed by a line terminator.
// b must not contain a newline.
func (w *Writer) WriteLine(b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, '\n')

	w.m.Lock()
	defer w.m.Unlock()
	n, err := w.w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}
