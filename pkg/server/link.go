package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// FederationLink is one peer connection. Inbound and outbound links behave the
// same once the handshake is done.
type FederationLink struct {
	registry *FederationRegistry
	conn     *SafeConn
	key      string
	outbound bool

	// closed after the SERVER_REGISTER reply; other writers wait for it
	ready     chan struct{}
	readyOnce sync.Once
}

func newFederationLink(registry *FederationRegistry, conn *SafeConn, outbound bool) *FederationLink {
	return &FederationLink{
		registry: registry,
		conn:     conn,
		outbound: outbound,
		ready:    make(chan struct{}),
	}
}

// Key returns the registry key of the peer on the other end
func (l *FederationLink) Key() string {
	return l.key
}

func (l *FederationLink) markReady() {
	l.readyOnce.Do(func() { close(l.ready) })
}

func (l *FederationLink) send(frame *protocol.Frame) error {
	<-l.ready
	if err := l.conn.EncodeFrame(frame); err != nil {
		return err
	}
	l.registry.metrics.RecordFederationSent(frame.Type)
	return nil
}

func (l *FederationLink) sendMessage(action uint8, msg protocol.Encoder) error {
	frame, err := protocol.FrameFor(action, msg)
	if err != nil {
		return err
	}
	return l.send(frame)
}

func (l *FederationLink) close() {
	l.markReady()
	l.conn.Close()
}

// run reads frames until the peer leaves or the connection fails, then
// deregisters the link
func (l *FederationLink) run() {
	logger := l.registry.logger.With(zap.String("peer", l.key))
	defer l.registry.unregisterLink(l.key, l)

	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Info("peer read failed", zap.Error(err))
			}
			return
		}
		l.registry.metrics.RecordFederationReceived(frame.Type)

		done, err := l.dispatch(frame)
		if err != nil {
			logger.Warn("invalid frame from peer",
				zap.String("action", protocol.ActionName(frame.Type)),
				zap.Error(err))
			return
		}
		if done {
			logger.Info("peer unregistered itself")
			return
		}
	}
}

// dispatch handles one server-to-server frame. It reports done when the peer
// announced it is leaving.
func (l *FederationLink) dispatch(frame *protocol.Frame) (bool, error) {
	f := l.registry
	router := f.router

	switch frame.Type {
	case protocol.TypeServerHeartbeat:
		var info protocol.ServerInfo
		if err := info.Decode(frame.Payload); err != nil {
			return false, err
		}
		f.touchHeartbeat(l.key, info)

	case protocol.TypeServerUserListSync:
		var list protocol.ServerUserList
		if err := list.Decode(frame.Payload); err != nil {
			return false, err
		}
		f.UpdateRemoteUsers(l.key, list.Usernames)
		f.setPeerName(l.key, list.ServerName)
		if router != nil {
			router.PushUserList()
		}

	case protocol.TypeServerTopologySync:
		var topo protocol.Topology
		if err := topo.Decode(frame.Payload); err != nil {
			return false, err
		}
		f.mergeTopologyAsync(topo.Servers)

	case protocol.TypeFederatedMessage, protocol.TypeFederatedAudio:
		var fm protocol.FederatedMessage
		if err := fm.Decode(frame.Payload); err != nil {
			return false, err
		}
		if router != nil {
			router.DeliverFederated(l.key, &fm)
		}

	case protocol.TypeFederatedChannelInvite:
		var inv protocol.Invitation
		if err := inv.Decode(frame.Payload); err != nil {
			return false, err
		}
		if router != nil {
			router.DeliverFederatedInvite(&inv)
		}

	case protocol.TypeFederatedInvitationResponse:
		var inv protocol.Invitation
		if err := inv.Decode(frame.Payload); err != nil {
			return false, err
		}
		if router != nil {
			router.ApplyFederatedInvitationResponse(&inv)
		}

	case protocol.TypeServerUnregister:
		return true, nil

	default:
		f.logger.Debug("ignoring frame on federation link",
			zap.String("peer", l.key),
			zap.String("action", protocol.ActionName(frame.Type)))
	}
	return false, nil
}
