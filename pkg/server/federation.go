package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// DefaultHandshakeTimeout bounds dialing a peer and waiting for its SERVER_REGISTER
const DefaultHandshakeTimeout = 10 * time.Second

// PeerServer is a registered peer with its link and presence cache
type PeerServer struct {
	Key           string
	Info          protocol.ServerInfo
	Outbound      bool
	Users         []string
	LastHeartbeat time.Time

	link *FederationLink
}

// FederationRegistry tracks peer servers keyed by "ip:federationPort"
type FederationRegistry struct {
	ctx      context.Context
	sessions *SessionRegistry
	router   *MessageRouter

	mu       sync.RWMutex
	peers    map[string]*PeerServer
	pending  map[string]bool   // outbound dials in progress
	aliases  map[string]string // dialled address -> key the peer announced
	local    protocol.ServerInfo
	localKey string
	closed   bool

	handshakeTimeout time.Duration
	metrics          *Metrics
	events           EventSink
	logger           *zap.Logger
	wg               sync.WaitGroup
}

// NewFederationRegistry creates a registry. Background work (link read loops,
// topology merges) stops when ctx is cancelled and Close is called.
func NewFederationRegistry(ctx context.Context, sessions *SessionRegistry, handshakeTimeout time.Duration, metrics *Metrics, events EventSink, logger *zap.Logger) *FederationRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NopSink{}
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &FederationRegistry{
		ctx:              ctx,
		sessions:         sessions,
		peers:            make(map[string]*PeerServer),
		pending:          make(map[string]bool),
		aliases:          make(map[string]string),
		handshakeTimeout: handshakeTimeout,
		metrics:          metrics,
		events:           events,
		logger:           logger.Named("federation"),
	}
}

// SetRouter wires the router that receives federated deliveries
func (f *FederationRegistry) SetRouter(router *MessageRouter) {
	f.router = router
}

// SetLocalIdentity records how peers reach this server
func (f *FederationRegistry) SetLocalIdentity(info protocol.ServerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = info
	f.localKey = info.Key()
}

// LocalIdentity returns this server's info with a fresh client count and timestamp
func (f *FederationRegistry) LocalIdentity() protocol.ServerInfo {
	f.mu.RLock()
	info := f.local
	f.mu.RUnlock()

	if f.sessions != nil {
		info.ConnectedClients = uint32(f.sessions.Count())
	}
	info.Timestamp = time.Now()
	return info
}

// LocalKey returns "ip:federationPort" of this server
func (f *FederationRegistry) LocalKey() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.localKey
}

// HandleInbound runs the accepting side of a peer connection until the link ends
func (f *FederationRegistry) HandleInbound(conn net.Conn) {
	sc := NewSafeConn(conn)
	logger := f.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	frame, err := sc.ReadFrameWithin(f.handshakeTimeout)
	if err != nil {
		logger.Debug("peer handshake read failed", zap.Error(err))
		sc.Close()
		return
	}
	if frame.Type != protocol.TypeServerRegister {
		logger.Warn("peer did not open with SERVER_REGISTER", zap.String("action", protocol.ActionName(frame.Type)))
		sc.Close()
		return
	}
	var info protocol.ServerInfo
	if err := info.Decode(frame.Payload); err != nil {
		logger.Warn("invalid SERVER_REGISTER", zap.Error(err))
		sc.Close()
		return
	}

	link := newFederationLink(f, sc, false)
	if err := f.RegisterInbound(info, link); err != nil {
		logger.Info("rejected peer", zap.String("peer", info.Key()), zap.Error(err))
		sc.Close()
		return
	}

	f.afterRegister(link)
	link.run()
}

// RegisterInbound adds a peer that dialled us and writes our SERVER_REGISTER
// reply before any other frame can reach the link. When both sides dial each
// other at once, the connection opened by the lexically smaller key survives.
func (f *FederationRegistry) RegisterInbound(info protocol.ServerInfo, link *FederationLink) error {
	key := info.Key()
	local := f.LocalIdentity()

	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return net.ErrClosed
	case key == f.localKey:
		f.mu.Unlock()
		return ErrSelfConnection
	case f.peers[key] != nil:
		f.mu.Unlock()
		return ErrAlreadyConnected
	case f.pending[key] && key >= f.localKey:
		f.mu.Unlock()
		return ErrAlreadyConnected
	}
	link.key = key
	f.peers[key] = &PeerServer{Key: key, Info: info, LastHeartbeat: time.Now(), link: link}
	count := len(f.peers)
	f.mu.Unlock()

	err := link.conn.Send(protocol.TypeServerRegister, &local)
	link.markReady()
	if err != nil {
		f.unregisterLink(key, link)
		return fmt.Errorf("%w: reply to %s: %v", ErrHandshakeFailed, key, err)
	}

	f.registered(key, info, false, count)
	return nil
}

// ConnectOutbound dials a peer, performs the handshake and starts its read loop.
// The peer is registered under the key it announces, which may differ from the
// dialled address.
func (f *FederationRegistry) ConnectOutbound(ctx context.Context, ip string, port int) error {
	addr := protocol.PeerKey(ip, port)
	local := f.LocalIdentity()

	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return net.ErrClosed
	case addr == f.localKey:
		f.mu.Unlock()
		f.metrics.RecordTopologyConnect("skipped")
		return ErrSelfConnection
	case f.peers[addr] != nil || f.peers[f.aliases[addr]] != nil || f.pending[addr]:
		f.mu.Unlock()
		f.metrics.RecordTopologyConnect("skipped")
		return ErrAlreadyConnected
	}
	f.pending[addr] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, addr)
		f.mu.Unlock()
	}()

	info, sc, err := f.dial(ctx, addr, local)
	if err != nil {
		f.metrics.RecordTopologyConnect("failed")
		return err
	}
	key := info.Key()

	link := newFederationLink(f, sc, true)
	link.key = key
	link.markReady()

	f.mu.Lock()
	if key != addr {
		f.aliases[addr] = key
	}
	switch {
	case key == f.localKey:
		f.mu.Unlock()
		sc.Close()
		f.metrics.RecordTopologyConnect("skipped")
		return ErrSelfConnection
	case f.closed || f.peers[key] != nil:
		f.mu.Unlock()
		sc.Close()
		f.metrics.RecordTopologyConnect("skipped")
		return ErrAlreadyConnected
	}
	f.peers[key] = &PeerServer{Key: key, Info: info, Outbound: true, LastHeartbeat: time.Now(), link: link}
	count := len(f.peers)
	f.wg.Add(1)
	f.mu.Unlock()

	f.metrics.RecordTopologyConnect("connected")
	f.registered(key, info, true, count)

	go func() {
		defer f.wg.Done()
		link.run()
	}()
	f.afterRegister(link)
	return nil
}

func (f *FederationRegistry) dial(ctx context.Context, addr string, local protocol.ServerInfo) (protocol.ServerInfo, *SafeConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.handshakeTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return protocol.ServerInfo{}, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sc := NewSafeConn(conn)

	fail := func(err error) (protocol.ServerInfo, *SafeConn, error) {
		sc.Close()
		return protocol.ServerInfo{}, nil, fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, addr, err)
	}

	if err := sc.Send(protocol.TypeServerRegister, &local); err != nil {
		return fail(err)
	}
	frame, err := sc.ReadFrameWithin(f.handshakeTimeout)
	if err != nil {
		return fail(err)
	}
	if frame.Type != protocol.TypeServerRegister {
		return fail(fmt.Errorf("unexpected %s", protocol.ActionName(frame.Type)))
	}
	var info protocol.ServerInfo
	if err := info.Decode(frame.Payload); err != nil {
		return fail(err)
	}
	return info, sc, nil
}

func (f *FederationRegistry) registered(key string, info protocol.ServerInfo, outbound bool, count int) {
	f.metrics.RecordFederationPeers(count)
	f.events.Emit(Event{Type: EventPeerRegistered, Peer: key})
	f.logger.Info("peer registered",
		zap.String("peer", key),
		zap.String("name", info.Name),
		zap.Bool("outbound", outbound))
}

// afterRegister sends the new peer our presence and topology. Only the new
// peer gets the topology; existing peers learn about it from the peer itself.
func (f *FederationRegistry) afterRegister(link *FederationLink) {
	local := f.LocalIdentity()
	var usernames []string
	if f.sessions != nil {
		usernames = f.sessions.ConnectedUsernames()
	}

	if err := link.sendMessage(protocol.TypeServerUserListSync, &protocol.ServerUserList{
		ServerIP:   local.IP,
		ServerName: local.Name,
		Usernames:  usernames,
	}); err != nil {
		f.sendFailed(link, err)
		return
	}
	if err := link.sendMessage(protocol.TypeServerTopologySync, &protocol.Topology{Servers: f.Topology()}); err != nil {
		f.sendFailed(link, err)
	}
}

// Unregister drops a peer and closes its link
func (f *FederationRegistry) Unregister(key string) {
	f.mu.RLock()
	peer := f.peers[key]
	f.mu.RUnlock()
	if peer != nil {
		f.unregisterLink(key, peer.link)
	}
}

// unregisterLink removes key only while link is still the one registered for it
func (f *FederationRegistry) unregisterLink(key string, link *FederationLink) {
	f.mu.Lock()
	peer := f.peers[key]
	if peer == nil || peer.link != link {
		f.mu.Unlock()
		link.close()
		return
	}
	delete(f.peers, key)
	count := len(f.peers)
	hadUsers := len(peer.Users) > 0
	f.mu.Unlock()

	link.close()
	f.metrics.RecordFederationPeers(count)
	f.events.Emit(Event{Type: EventPeerUnregistered, Peer: key})
	f.logger.Info("peer unregistered", zap.String("peer", key))

	// Its users just went offline
	if hadUsers && f.router != nil {
		f.router.PushUserList()
	}
}

// sendFailed deregisters a peer whose connection failed. A frame that could
// not be encoded never reached the peer, so the link stays up.
func (f *FederationRegistry) sendFailed(link *FederationLink, err error) {
	f.metrics.RecordFederationSendFailure()
	if protocol.IsEncodeError(err) {
		f.logger.Error("frame not sent to peer", zap.String("peer", link.key), zap.Error(err))
		return
	}
	f.logger.Warn("peer write failed", zap.String("peer", link.key), zap.Error(err))
	f.unregisterLink(link.key, link)
}

// SendTo writes frame to one peer. A failed connection write deregisters the peer.
func (f *FederationRegistry) SendTo(key string, frame *protocol.Frame) error {
	f.mu.RLock()
	peer := f.peers[key]
	f.mu.RUnlock()
	if peer == nil {
		return ErrPeerNotFound
	}
	if err := peer.link.send(frame); err != nil {
		f.sendFailed(peer.link, err)
		return err
	}
	return nil
}

// Broadcast writes frame to every peer and returns how many writes succeeded
func (f *FederationRegistry) Broadcast(frame *protocol.Frame) int {
	f.mu.RLock()
	links := make([]*FederationLink, 0, len(f.peers))
	for _, peer := range f.peers {
		links = append(links, peer.link)
	}
	f.mu.RUnlock()

	sent := 0
	for _, link := range links {
		if err := link.send(frame); err != nil {
			f.sendFailed(link, err)
			continue
		}
		sent++
	}
	return sent
}

// UpdateRemoteUsers replaces the presence cache of a peer
func (f *FederationRegistry) UpdateRemoteUsers(key string, usernames []string) {
	users := append([]string(nil), usernames...)
	sort.Strings(users)

	f.mu.Lock()
	defer f.mu.Unlock()
	if peer := f.peers[key]; peer != nil {
		peer.Users = users
	}
}

func (f *FederationRegistry) setPeerName(key, name string) {
	if name == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if peer := f.peers[key]; peer != nil {
		peer.Info.Name = name
	}
}

func (f *FederationRegistry) touchHeartbeat(key string, info protocol.ServerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer := f.peers[key]
	if peer == nil {
		return
	}
	peer.LastHeartbeat = time.Now()
	peer.Info.ConnectedClients = info.ConnectedClients
	if info.Name != "" {
		peer.Info.Name = info.Name
	}
}

// AllRemoteUsers returns the sorted, de-duplicated union of every peer's users
func (f *FederationRegistry) AllRemoteUsers() []string {
	f.mu.RLock()
	seen := make(map[string]bool)
	for _, peer := range f.peers {
		for _, name := range peer.Users {
			seen[name] = true
		}
	}
	f.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for name := range seen {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

// FindServerByUsername returns the key of a peer that reported name online
func (f *FederationRegistry) FindServerByUsername(name string) (string, bool) {
	for _, peer := range f.Peers() {
		i := sort.SearchStrings(peer.Users, name)
		if i < len(peer.Users) && peer.Users[i] == name {
			return peer.Key, true
		}
	}
	return "", false
}

// Peers returns copies of the registered peers sorted by key
func (f *FederationRegistry) Peers() []PeerServer {
	f.mu.RLock()
	peers := make([]PeerServer, 0, len(f.peers))
	for _, peer := range f.peers {
		p := *peer
		p.Users = append([]string(nil), peer.Users...)
		p.link = nil
		peers = append(peers, p)
	}
	f.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Key < peers[j].Key })
	return peers
}

// PeerKeys returns the registered keys in sorted order
func (f *FederationRegistry) PeerKeys() []string {
	f.mu.RLock()
	keys := make([]string, 0, len(f.peers))
	for key := range f.peers {
		keys = append(keys, key)
	}
	f.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Heartbeat sends our identity to every peer
func (f *FederationRegistry) Heartbeat() {
	local := f.LocalIdentity()
	frame, err := protocol.FrameFor(protocol.TypeServerHeartbeat, &local)
	if err != nil {
		f.logger.Error("failed to encode heartbeat", zap.Error(err))
		return
	}
	f.Broadcast(frame)
}

// Close tells every peer we are leaving, closes the links and waits for
// background work to finish
func (f *FederationRegistry) Close() {
	local := f.LocalIdentity()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	links := make([]*FederationLink, 0, len(f.peers))
	for _, peer := range f.peers {
		links = append(links, peer.link)
	}
	f.peers = make(map[string]*PeerServer)
	f.mu.Unlock()

	frame, err := protocol.FrameFor(protocol.TypeServerUnregister, &local)
	for _, link := range links {
		if err == nil {
			if sendErr := link.send(frame); sendErr != nil && !errors.Is(sendErr, net.ErrClosed) {
				f.logger.Debug("unregister notice failed", zap.String("peer", link.key), zap.Error(sendErr))
			}
		}
		link.close()
	}
	f.metrics.RecordFederationPeers(0)
	f.wg.Wait()
}
