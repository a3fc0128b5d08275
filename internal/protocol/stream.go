// stream.go implements line-based framing for protocol messages.
// Each message occupies exactly one newline-terminated line, so a reader
// resynchronizes at the next newline after a malformed frame instead of
// corrupting subsequent parsing.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMalformed wraps decode failures for a single frame. Callers can test
// for it with errors.Is and keep the connection alive after a bad line.
var ErrMalformed = errors.New("malformed message")

// Reader decodes newline-delimited protocol messages from a stream.
//
// Frames are not size-capped: an Output frame mirrors one pty line, and
// progress output that redraws with carriage returns can put many
// megabytes between newlines.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a Reader on top of r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadClient reads the next client message. It returns io.EOF on clean
// stream end and an ErrMalformed-wrapped error for an undecodable frame.
func (r *Reader) ReadClient() (*ClientMessage, error) {
	line, err := r.next()
	if err != nil {
		return nil, err
	}
	var msg ClientMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// ReadDaemon reads the next daemon message. Error semantics match ReadClient.
func (r *Reader) ReadDaemon() (*DaemonMessage, error) {
	line, err := r.next()
	if err != nil {
		return nil, err
	}
	var msg DaemonMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

func (r *Reader) next() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if errors.Is(err, io.EOF) && len(line) > 0 {
		// Unterminated final frame; decode what arrived.
		return line, nil
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Writer encodes protocol messages onto a stream, one per line.
//
// Writes are serialized by a mutex: on the daemon side the output-streaming
// path and the completion path share one Writer, and a Completed frame must
// never interleave with a partially written Output frame.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates a Writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// WriteClient writes one client message.
func (w *Writer) WriteClient(msg *ClientMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}

// WriteDaemon writes one daemon message.
func (w *Writer) WriteDaemon(msg *DaemonMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}
