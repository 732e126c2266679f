package wire

import (
	"fmt"
	"net"
	"sync"
)

// StreamWriter adapts a net.Conn into a FrameWriter, serializing concurrent
// writers with a mutex so a frame is never interleaved with another on the
// wire — used by both the broker (fan-out, anon relay) and the client.
//
// This is the Go-idiomatic replacement for the reference implementation's
// busy-wait "sending" flag (util/sock.py): one mutex per connection instead
// of a spin loop polled every 10ms.
type StreamWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewStreamWriter wraps conn, tuning TCP socket buffers and disabling
// Nagle's algorithm the way the reference implementation's new_sock()
// does for its stream sockets.
func NewStreamWriter(conn net.Conn) *StreamWriter {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetReadBuffer(32 * 1024 * 1024)
		_ = tc.SetWriteBuffer(32 * 1024 * 1024)
	}
	return &StreamWriter{conn: conn}
}

// WriteFrame implements FrameWriter.
func (w *StreamWriter) WriteFrame(op Opcode, body []byte) error {
	frame, err := EncodeFrame(op, body)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(frame)
	return err
}

// Conn returns the underlying connection, e.g. for ReadFrame and Close.
func (w *StreamWriter) Conn() net.Conn { return w.conn }

// Close closes the underlying connection.
func (w *StreamWriter) Close() error { return w.conn.Close() }
