package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/audio"
	"github.com/aeolun/meshchat/pkg/database"
	"github.com/aeolun/meshchat/pkg/protocol"
)

// handleRegister handles REGISTER. The connection stays unauthenticated either way.
func (h *ClientHandler) handleRegister(frame *protocol.Frame) error {
	var req protocol.RegisterRequest
	if err := req.Decode(frame.Payload); err != nil {
		return err
	}

	user, err := h.srv.store.Register(req.Username, req.Email, req.Password)
	if err != nil {
		h.logger.Info("registration rejected", zap.String("user", req.Username), zap.Error(err))
		return h.send(protocol.TypeRegisterFailure, &protocol.StatusMessage{Message: registrationFailure(err)})
	}

	h.logger.Info("user registered", zap.String("user", user.Username))
	return h.send(protocol.TypeRegisterSuccess, &protocol.StatusMessage{Message: "registered " + user.Username})
}

func registrationFailure(err error) string {
	switch {
	case errors.Is(err, database.ErrDuplicateEmail):
		return "email already registered"
	case errors.Is(err, database.ErrDuplicateUsername):
		return "username already taken"
	case errors.Is(err, database.ErrInvalidUsername), errors.Is(err, database.ErrInvalidEmail):
		return err.Error()
	default:
		return "registration failed"
	}
}

// handleLogin handles LOGIN: authenticate, claim the username, send the
// initial state, then become visible to everyone else
func (h *ClientHandler) handleLogin(frame *protocol.Frame) error {
	var req protocol.LoginRequest
	if err := req.Decode(frame.Payload); err != nil {
		return err
	}

	user, err := h.srv.store.Authenticate(req.Email, req.Password)
	if err != nil {
		reason := "login failed"
		if errors.Is(err, database.ErrUserNotFound) || errors.Is(err, database.ErrBadPassword) {
			reason = "invalid email or password"
		}
		h.logger.Info("login rejected", zap.String("email", req.Email), zap.Error(err))
		return h.send(protocol.TypeLoginFailure, &protocol.StatusMessage{Message: reason})
	}

	sess := h.srv.sessions.NewSession(user.Username, h.conn, h.connType)
	if err := h.srv.sessions.Add(sess); err != nil {
		h.logger.Info("login refused", zap.String("user", user.Username), zap.Error(err))
		if sendErr := h.send(protocol.TypeLoginFailure, &protocol.StatusMessage{Message: err.Error()}); sendErr != nil {
			return sendErr
		}
		return errCloseAfterReply
	}
	h.session = sess

	channels, err := h.srv.store.ChannelsForMember(user.Username)
	if err != nil {
		h.logger.Error("failed to load channels", zap.String("user", user.Username), zap.Error(err))
		channels = []string{}
	}

	local := h.srv.federation.LocalIdentity()
	if err := h.send(protocol.TypeLoginSuccess, &protocol.LoginSuccess{
		User: protocol.UserInfo{
			Username:   user.Username,
			Email:      user.Email,
			ServerIP:   local.IP,
			ServerName: local.Name,
		},
		Usernames: h.srv.router.AllUsernames(user.Username),
		Channels:  channels,
	}); err != nil {
		return err
	}

	history, err := h.srv.store.RecentMessagesFor(user.Username, h.srv.config.HistoryLimit)
	if err != nil {
		h.logger.Error("failed to load history", zap.String("user", user.Username), zap.Error(err))
		history = nil
	}
	if err := h.send(protocol.TypeMessageHistory, &protocol.MessageHistory{ChatID: user.Username, Messages: history}); err != nil {
		return err
	}

	h.state = StateAuthenticated
	h.srv.sessions.MarkAuthenticated(sess)
	h.srv.events.Emit(Event{Type: EventSessionOpened, Username: user.Username})
	h.logger.Info("user logged in", zap.String("user", user.Username), zap.String("transport", h.connType))
	return nil
}

// handleSendMessage handles SEND_MESSAGE_TO_USER and SEND_MESSAGE_TO_CHANNEL
func (h *ClientHandler) handleSendMessage(frame *protocol.Frame) error {
	var msg protocol.ChatMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return err
	}
	if msg.Recipient == "" {
		h.logger.Debug("dropping message without recipient")
		return nil
	}

	var staged *PendingUpload
	if msg.IsAudio {
		staged = h.pending
	}
	h.srv.router.Route(h.session, msg, staged)
	if staged != nil {
		h.pending = nil
	}
	return nil
}

// handleCreateChannel handles CREATE_CHANNEL; the creator becomes the first member
func (h *ClientHandler) handleCreateChannel(frame *protocol.Frame) error {
	var req protocol.CreateChannelRequest
	if err := req.Decode(frame.Payload); err != nil {
		return err
	}

	if !protocol.IsChannelName(req.Name) {
		return h.send(protocol.TypeCreateChannelFailure, &protocol.StatusMessage{
			Message: fmt.Sprintf("channel names must start with %s", protocol.ChannelPrefix),
		})
	}

	channel, err := h.srv.store.CreateChannel(req.Name, h.session.Username)
	if err != nil {
		reason := "could not create channel"
		if errors.Is(err, database.ErrChannelExists) {
			reason = "channel " + req.Name + " already exists"
		}
		h.logger.Info("channel creation rejected", zap.String("channel", req.Name), zap.Error(err))
		return h.send(protocol.TypeCreateChannelFailure, &protocol.StatusMessage{Message: reason})
	}

	h.logger.Info("channel created", zap.String("channel", channel.Name), zap.String("creator", channel.Creator))
	if err := h.send(protocol.TypeCreateChannelSuccess, &protocol.StatusMessage{Message: channel.Name}); err != nil {
		return err
	}
	h.srv.router.SendChannelList(h.session)
	return nil
}

func (h *ClientHandler) handleInviteUser(frame *protocol.Frame) error {
	var inv protocol.Invitation
	if err := inv.Decode(frame.Payload); err != nil {
		return err
	}
	h.srv.router.Invite(h.session, inv)
	return nil
}

func (h *ClientHandler) handleInvitationResponse(frame *protocol.Frame) error {
	var inv protocol.Invitation
	if err := inv.Decode(frame.Payload); err != nil {
		return err
	}
	h.srv.router.RespondToInvitation(h.session, inv)
	return nil
}

// handleUploadAudio stores the clip and stages it for the next audio message
func (h *ClientHandler) handleUploadAudio(ctx context.Context, frame *protocol.Frame) error {
	var upload protocol.AudioUpload
	if err := upload.Decode(frame.Payload); err != nil {
		return err
	}

	name, wav, err := h.srv.audio.Save(upload.Data)
	if err != nil {
		h.logger.Warn("audio upload rejected", zap.String("user", h.session.Username), zap.Error(err))
		return nil
	}
	h.srv.metrics.RecordAudioStored(len(wav))
	h.srv.events.Emit(Event{Type: EventAudioStored, Username: h.session.Username, FileName: name})

	transcript, err := h.srv.transcriber.Transcribe(ctx, wav)
	if err != nil {
		h.logger.Warn("transcription failed", zap.String("file", name), zap.Error(err))
		transcript = "[audio message]"
	}

	h.pending = &PendingUpload{FileName: name, Transcript: transcript}
	return nil
}

// handleDownloadAudio answers with the stored bytes. Missing files are only logged.
func (h *ClientHandler) handleDownloadAudio(frame *protocol.Frame) error {
	var req protocol.AudioRequest
	if err := req.Decode(frame.Payload); err != nil {
		return err
	}

	data, err := h.srv.audio.Load(req.FileName)
	if err != nil {
		if errors.Is(err, audio.ErrNotFound) || errors.Is(err, audio.ErrInvalidFileName) {
			h.logger.Info("audio download unavailable", zap.String("file", req.FileName), zap.Error(err))
			return nil
		}
		h.logger.Error("audio download failed", zap.String("file", req.FileName), zap.Error(err))
		return nil
	}
	err = h.send(protocol.TypeAudioDataResponse, &protocol.AudioData{FileName: req.FileName, Data: data})
	if protocol.IsEncodeError(err) {
		h.logger.Error("audio too large to send", zap.String("file", req.FileName), zap.Int("bytes", len(data)), zap.Error(err))
		return nil
	}
	return err
}
