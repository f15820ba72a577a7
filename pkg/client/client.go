package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/meshchat/pkg/protocol"
)

var ErrDisconnected = errors.New("disconnected from server")

// ServerError is a FAILURE reply carrying the server's status message
type ServerError struct {
	Action  uint8
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", protocol.ActionName(e.Action), e.Message)
}

// Client drives a Connection with request/reply semantics. Replies to a
// request go to the caller waiting on them; every other frame is delivered
// through Events.
type Client struct {
	conn   *Connection
	logger *zap.Logger

	mu       sync.Mutex
	waiters  []*waiter
	user     protocol.UserInfo
	users    []string
	channels []string

	events chan *protocol.Frame
	done   chan struct{}
}

type waiter struct {
	actions []uint8
	ch      chan *protocol.Frame
}

// Dial connects to addr (see NewConnection for accepted forms) and starts dispatching
func Dial(addr string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := NewConnection(addr, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		logger: logger.Named("client"),
		events: make(chan *protocol.Frame, 256),
		done:   make(chan struct{}),
	}
	go c.dispatch()
	return c, nil
}

// Events delivers unsolicited frames such as NEW_MESSAGE and CHANNEL_INVITATION.
// It is closed when the connection ends.
func (c *Client) Events() <-chan *protocol.Frame {
	return c.events
}

// Done is closed once the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Connection() *Connection {
	return c.conn
}

func (c *Client) Close() {
	c.conn.Close()
	<-c.done
}

// User returns the logged in user, or the zero value before login
func (c *Client) User() protocol.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Users returns the most recent user list pushed by the server
func (c *Client) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.users)
}

// Channels returns the most recent channel list pushed by the server
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.channels)
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	_, err := c.request(ctx, protocol.TypeRegister, &protocol.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, protocol.TypeRegisterSuccess, protocol.TypeRegisterFailure)
	return err
}

// Login authenticates and returns the login reply together with the
// message history the server sends right after it
func (c *Client) Login(ctx context.Context, email, password string) (*protocol.LoginSuccess, *protocol.MessageHistory, error) {
	reply := c.expect(protocol.TypeLoginSuccess, protocol.TypeLoginFailure)
	history := c.expect(protocol.TypeMessageHistory)
	defer c.cancel(history)

	if err := c.conn.SendMessage(protocol.TypeLogin, &protocol.LoginRequest{Email: email, Password: password}); err != nil {
		c.cancel(reply)
		return nil, nil, err
	}

	frame, err := c.wait(ctx, reply)
	if err != nil {
		return nil, nil, err
	}
	if err := failure(frame); err != nil {
		return nil, nil, err
	}

	var success protocol.LoginSuccess
	if err := success.Decode(frame.Payload); err != nil {
		return nil, nil, err
	}

	frame, err = c.wait(ctx, history)
	if err != nil {
		return nil, nil, err
	}
	var hist protocol.MessageHistory
	if err := hist.Decode(frame.Payload); err != nil {
		return nil, nil, err
	}
	return &success, &hist, nil
}

// SendToUser sends a private text message. The server does not acknowledge it.
func (c *Client) SendToUser(recipient, content string) error {
	return c.sendChat(protocol.TypeSendMessageToUser, recipient, content, false)
}

// SendToChannel sends a text message to a channel the user belongs to
func (c *Client) SendToChannel(channel, content string) error {
	return c.sendChat(protocol.TypeSendMessageToChannel, channel, content, false)
}

// SendAudio uploads a WAV or raw PCM clip and sends it to recipient, which may
// be a user or a channel. The server transcribes the clip into the message content.
func (c *Client) SendAudio(recipient string, data []byte) error {
	if err := c.conn.SendMessage(protocol.TypeUploadAudio, &protocol.AudioUpload{Data: data}); err != nil {
		return err
	}
	action := uint8(protocol.TypeSendMessageToUser)
	if protocol.IsChannelName(recipient) {
		action = protocol.TypeSendMessageToChannel
	}
	return c.sendChat(action, recipient, "", true)
}

// CreateChannel creates a channel with the caller as its first member
func (c *Client) CreateChannel(ctx context.Context, name string) error {
	_, err := c.request(ctx, protocol.TypeCreateChannel, &protocol.CreateChannelRequest{
		Name:    name,
		Creator: c.User().Username,
	}, protocol.TypeCreateChannelSuccess, protocol.TypeCreateChannelFailure)
	return err
}

// Invite asks username to join channel; the user may live on another server
func (c *Client) Invite(ctx context.Context, username, channel string) error {
	_, err := c.request(ctx, protocol.TypeInviteUser, &protocol.Invitation{
		Inviter: c.User().Username,
		Invited: username,
		Channel: channel,
	}, protocol.TypeInviteSuccess, protocol.TypeInviteFailure)
	return err
}

// RespondToInvitation accepts or declines an invitation received through Events
func (c *Client) RespondToInvitation(inv protocol.Invitation, accept bool) error {
	inv.Accepted = accept
	return c.conn.SendMessage(protocol.TypeInvitationResponse, &inv)
}

// DownloadAudio fetches a stored clip. The server stays silent for unknown
// files, so callers should bound ctx.
func (c *Client) DownloadAudio(ctx context.Context, fileName string) (*protocol.AudioData, error) {
	frame, err := c.request(ctx, protocol.TypeDownloadAudioRequest, &protocol.AudioRequest{FileName: fileName},
		protocol.TypeAudioDataResponse)
	if err != nil {
		return nil, err
	}
	var data protocol.AudioData
	if err := data.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) sendChat(action uint8, recipient, content string, isAudio bool) error {
	return c.conn.SendMessage(action, &protocol.ChatMessage{
		Sender:    c.User().Username,
		Recipient: recipient,
		Content:   content,
		IsAudio:   isAudio,
		Timestamp: time.Now(),
	})
}

func (c *Client) request(ctx context.Context, action uint8, msg protocol.Encoder, replies ...uint8) (*protocol.Frame, error) {
	w := c.expect(replies...)
	if err := c.conn.SendMessage(action, msg); err != nil {
		c.cancel(w)
		return nil, err
	}
	frame, err := c.wait(ctx, w)
	if err != nil {
		return nil, err
	}
	if err := failure(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// failure turns FAILURE replies into a ServerError
func failure(frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeRegisterFailure, protocol.TypeLoginFailure,
		protocol.TypeInviteFailure, protocol.TypeCreateChannelFailure:
		var status protocol.StatusMessage
		if err := status.Decode(frame.Payload); err != nil {
			return err
		}
		return &ServerError{Action: frame.Type, Message: status.Message}
	}
	return nil
}

func (c *Client) expect(actions ...uint8) *waiter {
	w := &waiter{actions: actions, ch: make(chan *protocol.Frame, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Client) cancel(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = slices.DeleteFunc(c.waiters, func(other *waiter) bool { return other == w })
}

func (c *Client) wait(ctx context.Context, w *waiter) (*protocol.Frame, error) {
	select {
	case frame := <-w.ch:
		return frame, nil
	case <-ctx.Done():
		c.cancel(w)
		return nil, ctx.Err()
	case <-c.done:
		// The frame may have arrived just before the connection ended
		select {
		case frame := <-w.ch:
			return frame, nil
		default:
		}
		if err := c.conn.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return nil, ErrDisconnected
	}
}

func (c *Client) dispatch() {
	defer close(c.done)
	defer close(c.events)

	for frame := range c.conn.Incoming() {
		if w := c.apply(frame); w != nil {
			w.ch <- frame
			continue
		}
		select {
		case c.events <- frame:
		default:
			c.logger.Warn("event queue full, dropping frame", zap.String("action", protocol.ActionName(frame.Type)))
		}
	}
}

// apply updates cached state from frame and claims the oldest matching waiter
func (c *Client) apply(frame *protocol.Frame) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.Type {
	case protocol.TypeLoginSuccess:
		var msg protocol.LoginSuccess
		if err := msg.Decode(frame.Payload); err == nil {
			c.user = msg.User
			c.users = msg.Usernames
			c.channels = msg.Channels
		}
	case protocol.TypeUserListUpdate:
		var msg protocol.UserList
		if err := msg.Decode(frame.Payload); err == nil {
			c.users = msg.Usernames
		}
	case protocol.TypeChannelListUpdate:
		var msg protocol.ChannelList
		if err := msg.Decode(frame.Payload); err == nil {
			c.channels = msg.Channels
		}
	}

	for i, w := range c.waiters {
		if slices.Contains(w.actions, frame.Type) {
			c.waiters = slices.Delete(c.waiters, i, i+1)
			return w
		}
	}
	return nil
}
