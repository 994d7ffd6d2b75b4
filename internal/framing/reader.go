package framing

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Reader yields one line at a time from an underlying stream.
// A Reader is not safe for concurrent use and cannot be rewound; create a new one to start over.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator ("\n" or "\r\n").
// The returned slice is owned by the caller.
// A final unterminated fragment is returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return trimEOL(line), nil
			}
			return nil, err
		}
		return trimEOL(line), nil
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}
