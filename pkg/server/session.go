package server

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// Session is a logged-in client connection
type Session struct {
	ID       uint64
	Username string
	ConnType string // "tcp" or "websocket"
	Conn     *SafeConn

	// set once the login reply has been written; broadcasts skip sessions without it
	authenticated atomic.Bool
}

// Authenticated reports whether the session receives broadcasts yet
func (s *Session) Authenticated() bool {
	return s.authenticated.Load()
}

// Send writes one action frame to the session
func (s *Session) Send(action uint8, msg protocol.Encoder) error {
	return s.Conn.Send(action, msg)
}

// SessionRegistry is the table of local logged-in users, one session per username
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
	nextID   atomic.Uint64

	presence chan struct{}
	metrics  *Metrics
	logger   *zap.Logger
}

// NewSessionRegistry creates a registry holding at most max sessions (0 means no limit)
func NewSessionRegistry(max int, metrics *Metrics, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		max:      max,
		presence: make(chan struct{}, 1),
		metrics:  metrics,
		logger:   logger.Named("session"),
	}
}

// NewSession builds a session value; it is not registered until Add
func (r *SessionRegistry) NewSession(username string, conn *SafeConn, connType string) *Session {
	return &Session{
		ID:       r.nextID.Add(1),
		Username: username,
		ConnType: connType,
		Conn:     conn,
	}
}

// Add registers sess. The capacity and duplicate checks and the insert happen
// under one lock.
func (r *SessionRegistry) Add(sess *Session) error {
	r.mu.Lock()
	if r.max > 0 && len(r.sessions) >= r.max {
		r.mu.Unlock()
		return ErrCapacityExceeded
	}
	if _, exists := r.sessions[sess.Username]; exists {
		r.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	r.sessions[sess.Username] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionCreated()
	r.logger.Debug("session added", zap.String("user", sess.Username), zap.Uint64("session", sess.ID))
	return nil
}

// MarkAuthenticated makes sess visible to broadcasts and presence
func (r *SessionRegistry) MarkAuthenticated(sess *Session) {
	if sess.authenticated.CompareAndSwap(false, true) {
		r.notifyPresence()
	}
}

// Remove unregisters sess and closes its connection. Removing twice is a no-op.
// It reports whether this call removed the session.
func (r *SessionRegistry) Remove(sess *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[sess.Username]
	if !ok || current != sess {
		r.mu.Unlock()
		sess.Conn.Close()
		return false
	}
	delete(r.sessions, sess.Username)
	count := len(r.sessions)
	r.mu.Unlock()

	sess.Conn.Close()
	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionClosed()
	r.logger.Debug("session removed", zap.String("user", sess.Username), zap.Uint64("session", sess.ID))

	if sess.Authenticated() {
		r.notifyPresence()
	}
	return true
}

// FindByUsername returns the authenticated session for name
func (r *SessionRegistry) FindByUsername(name string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok || !sess.Authenticated() {
		return nil, false
	}
	return sess, true
}

// snapshot copies the authenticated sessions accepted by keep
func (r *SessionRegistry) snapshot(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Authenticated() && (keep == nil || keep(sess)) {
			out = append(out, sess)
		}
	}
	return out
}

// Broadcast sends frame to every authenticated session and returns how many
// writes succeeded. Sessions whose write fails are removed afterwards.
func (r *SessionRegistry) Broadcast(frame *protocol.Frame) int {
	return r.deliver(r.snapshot(nil), frame)
}

// BroadcastTo sends frame to the authenticated sessions named in usernames,
// skipping except
func (r *SessionRegistry) BroadcastTo(frame *protocol.Frame, usernames []string, except string) int {
	targets := make(map[string]bool, len(usernames))
	for _, name := range usernames {
		if name != except {
			targets[name] = true
		}
	}
	return r.deliver(r.snapshot(func(s *Session) bool { return targets[s.Username] }), frame)
}

func (r *SessionRegistry) deliver(targets []*Session, frame *protocol.Frame) int {
	var dead []*Session
	delivered := 0
	for _, sess := range targets {
		if err := sess.Conn.EncodeFrame(frame); err != nil {
			if protocol.IsEncodeError(err) {
				r.logger.Error("broadcast frame not encodable",
					zap.String("action", protocol.ActionName(frame.Type)),
					zap.Error(err))
				break
			}
			r.logger.Debug("broadcast write failed",
				zap.String("user", sess.Username),
				zap.String("action", protocol.ActionName(frame.Type)),
				zap.Error(err))
			dead = append(dead, sess)
			continue
		}
		delivered++
		r.metrics.RecordFrameSent(frame.Type)
	}

	for _, sess := range dead {
		r.Remove(sess)
	}
	return delivered
}

// ConnectedUsernames returns the sorted names of authenticated sessions
func (r *SessionRegistry) ConnectedUsernames() []string {
	sessions := r.snapshot(nil)
	names := make([]string, len(sessions))
	for i, sess := range sessions {
		names[i] = sess.Username
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered sessions, including ones mid-login
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PresenceChanges signals after the set of visible users changed. Bursts of
// changes coalesce into one signal.
func (r *SessionRegistry) PresenceChanges() <-chan struct{} {
	return r.presence
}

func (r *SessionRegistry) notifyPresence() {
	select {
	case r.presence <- struct{}{}:
	default:
	}
}

// CloseAll closes every session without presence notifications
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
	r.metrics.RecordActiveSessions(0)
}
