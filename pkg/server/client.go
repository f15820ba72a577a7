package server

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// ConnState is the protocol state of a client connection
type ConnState uint8

const (
	StateConnected ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// ClientHandler runs the protocol for one client connection. All of its state
// is owned by the goroutine running Serve.
type ClientHandler struct {
	srv      *Server
	conn     *SafeConn
	connType string
	state    ConnState
	session  *Session
	pending  *PendingUpload
	logger   *zap.Logger
}

func (s *Server) newClientHandler(conn net.Conn, connType string) *ClientHandler {
	return &ClientHandler{
		srv:      s,
		conn:     NewSafeConn(conn),
		connType: connType,
		state:    StateConnected,
		logger:   s.logger.Named("client").With(zap.Stringer("remote", conn.RemoteAddr())),
	}
}

// State returns the current protocol state
func (h *ClientHandler) State() ConnState {
	return h.state
}

// Serve reads frames until the connection fails or ctx is cancelled
func (h *ClientHandler) Serve(ctx context.Context) {
	defer h.close()

	stop := context.AfterFunc(ctx, func() { h.conn.Close() })
	defer stop()

	for {
		frame, err := h.conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("client read failed", zap.Error(err))
			}
			return
		}
		h.srv.metrics.RecordFrameReceived(frame.Type)

		if err := h.handleFrame(ctx, frame); err != nil {
			if !errors.Is(err, errCloseAfterReply) {
				h.logger.Info("closing client connection",
					zap.String("action", protocol.ActionName(frame.Type)),
					zap.Error(err))
			}
			return
		}
	}
}

// handleFrame dispatches one frame. A returned error closes the connection.
func (h *ClientHandler) handleFrame(ctx context.Context, frame *protocol.Frame) error {
	if h.state == StateConnected {
		switch frame.Type {
		case protocol.TypeRegister:
			return h.handleRegister(frame)
		case protocol.TypeLogin:
			return h.handleLogin(frame)
		default:
			h.logger.Debug("ignoring action before login", zap.String("action", protocol.ActionName(frame.Type)))
			return nil
		}
	}

	switch frame.Type {
	case protocol.TypeSendMessageToUser, protocol.TypeSendMessageToChannel:
		return h.handleSendMessage(frame)
	case protocol.TypeCreateChannel:
		return h.handleCreateChannel(frame)
	case protocol.TypeInviteUser:
		return h.handleInviteUser(frame)
	case protocol.TypeInvitationResponse:
		return h.handleInvitationResponse(frame)
	case protocol.TypeUploadAudio:
		return h.handleUploadAudio(ctx, frame)
	case protocol.TypeDownloadAudioRequest:
		return h.handleDownloadAudio(frame)
	default:
		h.logger.Debug("ignoring action", zap.String("action", protocol.ActionName(frame.Type)))
		return nil
	}
}

func (h *ClientHandler) send(action uint8, msg protocol.Encoder) error {
	if err := h.conn.Send(action, msg); err != nil {
		return err
	}
	h.srv.metrics.RecordFrameSent(action)
	return nil
}

func (h *ClientHandler) close() {
	h.state = StateClosed
	if h.session == nil {
		h.conn.Close()
		return
	}
	if h.srv.sessions.Remove(h.session) {
		h.srv.events.Emit(Event{Type: EventSessionClosed, Username: h.session.Username})
		h.logger.Info("user logged out", zap.String("user", h.session.Username))
	}
}
