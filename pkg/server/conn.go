package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// writeTimeout bounds a single frame write so a stalled reader cannot block broadcasts
const writeTimeout = 10 * time.Second

// SafeConn serializes frame writes on a connection. Reads are done by the single
// goroutine that owns the connection and are not synchronized.
type SafeConn struct {
	conn      net.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// EncodeFrame writes one whole frame
func (c *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := protocol.EncodeFrame(c.conn, frame)
	c.conn.SetWriteDeadline(time.Time{})
	return err
}

// Send encodes msg and writes it as an action frame
func (c *SafeConn) Send(action uint8, msg protocol.Encoder) error {
	frame, err := protocol.FrameFor(action, msg)
	if err != nil {
		return err
	}
	return c.EncodeFrame(frame)
}

// ReadFrame reads the next frame. Only the owning goroutine may call it.
func (c *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(c.conn)
}

// ReadFrameWithin reads the next frame, failing if none arrives before timeout
func (c *SafeConn) ReadFrameWithin(timeout time.Duration) (*protocol.Frame, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return protocol.DecodeFrame(c.conn)
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address of the connection
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
