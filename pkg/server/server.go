package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/meshchat/pkg/audio"
	"github.com/aeolun/meshchat/pkg/database"
	"github.com/aeolun/meshchat/pkg/protocol"
)

// Server owns the listeners, the registries and the stores of one node
type Server struct {
	config ServerConfig
	logger *zap.Logger

	store       *database.DB
	audio       *audio.Store
	transcriber audio.Transcriber

	sessions   *SessionRegistry
	federation *FederationRegistry
	router     *MessageRouter
	metrics    *Metrics
	events     *switchSink

	ctx    context.Context
	cancel context.CancelFunc

	clientListener     net.Listener
	federationListener net.Listener
	httpListener       net.Listener
	httpServer         *http.Server

	startTime time.Time
	stopOnce  sync.Once
	wg        sync.WaitGroup // accept loops and background loops
	conns     sync.WaitGroup // per-connection goroutines
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Name              string
	AdvertiseIP       string // address peers and clients are told to use; detected when empty
	ListenHost        string
	ClientPort        int
	FederationPort    int
	HTTPPort          int // 0 disables /metrics, /health and /ws
	DatabasePath      string
	AudioDir          string
	MaxConnections    int
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HistoryLimit      int
	Peers             []string // ip:federationPort dialled at start-up
	AudioFormat       audio.Format
	HashPasswords     bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Name:              "meshchat",
		ClientPort:        5000,
		FederationPort:    5001,
		DatabasePath:      "meshchat.db",
		AudioDir:          "audio_files",
		MaxConnections:    100,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		HeartbeatInterval: 30 * time.Second,
		HistoryLimit:      database.DefaultHistoryLimit,
		AudioFormat:       audio.DefaultFormat,
	}
}

// NewServer opens the stores and builds the registries. Nothing listens until Start.
func NewServer(config ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = database.DefaultHistoryLimit
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}

	db, err := database.Open(config.DatabasePath, database.Options{HashPasswords: config.HashPasswords}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	audioStore, err := audio.NewStore(config.AudioDir, config.AudioFormat, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audio store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      config,
		logger:      logger,
		store:       db,
		audio:       audioStore,
		transcriber: audio.PlaceholderTranscriber{},
		metrics:     NewMetrics(nil),
		events:      &switchSink{sink: NopSink{}},
		ctx:         ctx,
		cancel:      cancel,
	}

	s.sessions = NewSessionRegistry(config.MaxConnections, s.metrics, logger)
	s.federation = NewFederationRegistry(ctx, s.sessions, config.HandshakeTimeout, s.metrics, s.events, logger)
	s.router = NewMessageRouter(s.sessions, s.federation, db, audioStore, s.metrics, s.events, logger)
	return s, nil
}

// SetEventSink replaces the event receiver. Call before Start.
func (s *Server) SetEventSink(sink EventSink) {
	s.events.set(sink)
}

// SetTranscriber replaces the speech-to-text collaborator. Call before Start.
func (s *Server) SetTranscriber(t audio.Transcriber) {
	if t != nil {
		s.transcriber = t
	}
}

// Start binds the listeners, publishes our identity and dials the configured peers
func (s *Server) Start() error {
	s.startTime = time.Now()

	var err error
	s.clientListener, err = s.listen(s.config.ClientPort)
	if err != nil {
		return err
	}
	s.federationListener, err = s.listen(s.config.FederationPort)
	if err != nil {
		s.clientListener.Close()
		return err
	}
	if s.config.HTTPPort != 0 {
		s.httpListener, err = s.listen(s.config.HTTPPort)
		if err != nil {
			s.clientListener.Close()
			s.federationListener.Close()
			return err
		}
	}

	ip := s.config.AdvertiseIP
	if ip == "" {
		ip = detectIP()
	}
	s.federation.SetLocalIdentity(protocol.ServerInfo{
		Name:           s.config.Name,
		IP:             ip,
		ClientPort:     uint16(portOf(s.clientListener)),
		FederationPort: uint16(portOf(s.federationListener)),
	})

	logListenBacklog(s.logger, s.clientListener.Addr().String())
	s.logger.Info("server started",
		zap.String("name", s.config.Name),
		zap.String("identity", s.federation.LocalKey()),
		zap.Stringer("clients", s.clientListener.Addr()),
		zap.Stringer("federation", s.federationListener.Addr()))

	s.wg.Add(2)
	go s.acceptLoop(s.clientListener, s.handleClient)
	go s.acceptLoop(s.federationListener, s.federation.HandleInbound)

	if s.httpListener != nil {
		s.httpServer = &http.Server{Handler: s.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", zap.Error(err))
			}
		}()
		s.logger.Info("http endpoint enabled", zap.Stringer("addr", s.httpListener.Addr()))
	}

	s.wg.Add(3)
	go s.presenceLoop()
	go s.heartbeatLoop()
	go s.monitorListenOverflows()

	if len(s.config.Peers) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ConnectPeers(s.ctx, s.config.Peers); err != nil {
				s.logger.Warn("some bootstrap peers were unreachable", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Server) listen(port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var optErr error
			if err := c.Control(func(fd uintptr) { optErr = setSocketOptions(fd) }); err != nil {
				return err
			}
			return optErr
		},
	}
	addr := net.JoinHostPort(s.config.ListenHost, strconv.Itoa(port))
	ln, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ConnectPeers dials every ip:port address concurrently. Failures do not stop
// the other dials; they are combined into the returned error.
func (s *Server) ConnectPeers(ctx context.Context, addrs []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(maxConcurrentDials)

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			err := s.connectPeer(ctx, addr)
			if err == nil || errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrSelfConnection) {
				return nil
			}
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return errs
}

func (s *Server) connectPeer(ctx context.Context, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return s.federation.ConnectOutbound(ctx, host, port)
}

// Stop leaves the federation, closes every connection and the stores
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()

		for _, ln := range []net.Listener{s.clientListener, s.federationListener} {
			if ln != nil {
				err = multierr.Append(err, ignoreClosed(ln.Close()))
			}
		}
		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = multierr.Append(err, s.httpServer.Shutdown(shutdownCtx))
			cancel()
		}

		s.federation.Close()
		s.sessions.CloseAll()
		s.wg.Wait()
		s.conns.Wait()

		err = multierr.Append(err, s.store.Close())
		s.logger.Info("server stopped", zap.Duration("uptime", time.Since(s.startTime)))
	})
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			handle(conn)
		}()
	}
}

func (s *Server) handleClient(conn net.Conn) {
	s.newClientHandler(conn, "tcp").Serve(s.ctx)
}

// presenceLoop pushes the user list to clients and peers after logins and logouts
func (s *Server) presenceLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.sessions.PresenceChanges():
			s.router.BroadcastPresence()
		}
	}
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.federation.Heartbeat()
		}
	}
}

// ClientAddr returns the bound client listener address
func (s *Server) ClientAddr() net.Addr {
	return s.clientListener.Addr()
}

// FederationAddr returns the bound federation listener address
func (s *Server) FederationAddr() net.Addr {
	return s.federationListener.Addr()
}

// HTTPAddr returns the bound HTTP listener address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Identity returns the ServerInfo peers see for this server
func (s *Server) Identity() protocol.ServerInfo {
	return s.federation.LocalIdentity()
}

func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) Federation() *FederationRegistry {
	return s.federation
}

func (s *Server) Router() *MessageRouter {
	return s.router
}

func (s *Server) Store() *database.DB {
	return s.store
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func portOf(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// detectIP returns the first non-loopback IPv4 address, falling back to loopback
func detectIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// switchSink lets the event receiver be replaced after the registries captured it
type switchSink struct {
	mu   sync.RWMutex
	sink EventSink
}

func (s *switchSink) set(sink EventSink) {
	if sink == nil {
		sink = NopSink{}
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *switchSink) Emit(e Event) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	sink.Emit(e)
}
