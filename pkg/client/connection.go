package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// DefaultPort is the client port assumed when an address has none
const DefaultPort = "5000"

var (
	ErrNotConnected = errors.New("not connected")
	ErrQueueFull    = errors.New("outgoing queue full")
)

// Connection is a framed connection to a server over TCP or WebSocket
type Connection struct {
	addr string
	dial func() (net.Conn, error)

	mu        sync.RWMutex
	conn      net.Conn
	connected bool

	incoming chan *protocol.Frame
	outgoing chan *protocol.Frame
	done     chan struct{}
	errMu    sync.Mutex
	err      error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger    *zap.Logger
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection parses addr without dialling. Accepted forms are host:port,
// tcp://host:port, ws://host:port and wss://host:port; the port defaults to 5000.
func NewConnection(addr string, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	return &Connection{
		addr:     cfg.display,
		dial:     cfg.dial,
		incoming: make(chan *protocol.Frame, 100),
		outgoing: make(chan *protocol.Frame, 100),
		done:     make(chan struct{}),
		logger:   logger.Named("connection").With(zap.String("server", cfg.display)),
	}, nil
}

// Connect dials the server and starts the read and write loops
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("connection already used")
	}
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.logger.Debug("connected")

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)
	return nil
}

// Close shuts the connection down and waits for its goroutines
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.disconnect(nil)
		c.wg.Wait()
	})
}

// Send queues a frame for the write loop
func (c *Connection) Send(frame *protocol.Frame) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// SendMessage encodes msg and queues it as an action frame
func (c *Connection) SendMessage(action uint8, msg protocol.Encoder) error {
	frame, err := protocol.FrameFor(action, msg)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Incoming delivers frames from the server. It is closed when the connection ends.
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Err returns why the connection ended, or nil while it is up or after a clean close
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Address returns the normalized server address
func (c *Connection) Address() string {
	return c.addr
}

func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) disconnect(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if wasConnected && err != nil {
		c.errMu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.errMu.Unlock()
		c.logger.Debug("disconnected", zap.Error(err))
	}
}

func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.incoming)

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	for {
		frame, err := protocol.DecodeFrame(reader)
		if err != nil {
			c.disconnect(err)
			return
		}
		c.logger.Debug("recv", zap.String("action", protocol.ActionName(frame.Type)), zap.Int("payload", len(frame.Payload)))

		select {
		case c.incoming <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeLoop(conn net.Conn) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	for {
		select {
		case frame := <-c.outgoing:
			// One Write per frame keeps WebSocket messages aligned with frames
			var buf bytes.Buffer
			if err := protocol.EncodeFrame(&buf, frame); err != nil {
				c.logger.Warn("dropping unencodable frame", zap.Error(err))
				continue
			}
			if _, err := writer.Write(buf.Bytes()); err != nil {
				c.disconnect(fmt.Errorf("write error: %w", err))
				return
			}
			c.logger.Debug("send", zap.String("action", protocol.ActionName(frame.Type)), zap.Int("payload", len(frame.Payload)))

		case <-c.done:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
	}

	host, port, err := splitHostPortWithDefault(hostPort, DefaultPort)
	if err != nil {
		return nil, err
	}
	address := net.JoinHostPort(host, port)

	switch scheme {
	case "tcp", "":
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, 10*time.Second)
			},
		}, nil

	case "ws", "wss":
		useTLS := scheme == "wss"
		return &dialConfig{
			display: scheme + "://" + address,
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}
