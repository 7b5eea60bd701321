package server

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/aeolun/ircserver/pkg/protocol"
)

// deadliner is implemented by transports that support I/O deadlines
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// SafeConn wraps a transport stream with write synchronization and
// per-operation deadlines. SessionManager.CloseAll may close the connection
// while the session goroutine is still writing, so writes and close share a lock.
type SafeConn struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // Protects writes and close
	closed bool
}

// NewSafeConn wraps a stream with write synchronization
func NewSafeConn(conn io.ReadWriteCloser) *SafeConn {
	return &SafeConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// ReadRequest reads one request line. A zero timeout means no deadline.
func (sc *SafeConn) ReadRequest(timeout time.Duration) (*protocol.Request, error) {
	if d, ok := sc.conn.(deadliner); ok && timeout > 0 {
		d.SetReadDeadline(time.Now().Add(timeout))
		defer d.SetReadDeadline(time.Time{})
	}
	return protocol.ReadRequest(sc.reader)
}

// WriteResponse encodes the response and writes it in a single Write call
func (sc *SafeConn) WriteResponse(resp *protocol.Response, timeout time.Duration) error {
	return sc.writeBytes(resp.Bytes(), timeout)
}

func (sc *SafeConn) writeBytes(data []byte, timeout time.Duration) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return io.ErrClosedPipe
	}
	if d, ok := sc.conn.(deadliner); ok && timeout > 0 {
		d.SetWriteDeadline(time.Now().Add(timeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	_, err := sc.conn.Write(data)
	return err
}

// Close closes the underlying connection once
func (sc *SafeConn) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return nil
	}
	sc.closed = true
	return sc.conn.Close()
}
