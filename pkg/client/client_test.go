package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aeolun/meshchat/pkg/audio"
	"github.com/aeolun/meshchat/pkg/protocol"
	"github.com/aeolun/meshchat/pkg/server"
)

const testTimeout = 3 * time.Second

func startServer(t *testing.T) *server.Server {
	t.Helper()

	dir := t.TempDir()
	cfg := server.DefaultConfig()
	cfg.Name = "test"
	cfg.ListenHost = "127.0.0.1"
	cfg.AdvertiseIP = "127.0.0.1"
	cfg.ClientPort = 0
	cfg.FederationPort = 0
	cfg.DatabasePath = filepath.Join(dir, "test.db")
	cfg.AudioDir = filepath.Join(dir, "audio")

	srv, err := server.NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func dialClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(addr, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// join registers and logs in username, then waits until the server lists them
func join(t *testing.T, srv *server.Server, addr, username string) *Client {
	t.Helper()
	c := dialClient(t, addr)
	ctx := testContext(t)

	require.NoError(t, c.Register(ctx, username, username+"@example.com", "secret"))
	_, _, err := c.Login(ctx, username+"@example.com", "secret")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := srv.Sessions().FindByUsername(username)
		return ok
	}, testTimeout, 10*time.Millisecond)
	return c
}

// nextEvent returns the next unsolicited frame of the given action, skipping others
func nextEvent(t *testing.T, c *Client, action uint8) *protocol.Frame {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case frame, ok := <-c.Events():
			require.True(t, ok, "connection closed while waiting for %s", protocol.ActionName(action))
			if frame.Type == action {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", protocol.ActionName(action))
			return nil
		}
	}
}

func nextMessage(t *testing.T, c *Client) protocol.ChatMessage {
	t.Helper()
	var msg protocol.ChatMessage
	require.NoError(t, msg.Decode(nextEvent(t, c, protocol.TypeNewMessage).Payload))
	return msg
}

func TestClientRegisterAndLogin(t *testing.T) {
	srv := startServer(t)
	c := dialClient(t, srv.ClientAddr().String())
	ctx := testContext(t)

	require.NoError(t, c.Register(ctx, "alice", "alice@example.com", "secret"))

	err := c.Register(ctx, "alice2", "alice@example.com", "secret")
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, uint8(protocol.TypeRegisterFailure), serverErr.Action)
	assert.Equal(t, "email already registered", serverErr.Message)

	_, _, err = c.Login(ctx, "alice@example.com", "wrong")
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, uint8(protocol.TypeLoginFailure), serverErr.Action)

	success, history, err := c.Login(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", success.User.Username)
	assert.Equal(t, "alice", c.User().Username)
	assert.Contains(t, success.Usernames, "alice")
	assert.Empty(t, history.Messages)
}

func TestClientPrivateMessage(t *testing.T) {
	srv := startServer(t)
	addr := srv.ClientAddr().String()
	alice := join(t, srv, addr, "alice")
	bob := join(t, srv, addr, "bob")

	require.NoError(t, alice.SendToUser("bob", "hello bob"))

	msg := nextMessage(t, bob)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "bob", msg.Recipient)
	assert.Equal(t, "hello bob", msg.Content)

	assert.Eventually(t, func() bool {
		users := bob.Users()
		return len(users) == 2
	}, testTimeout, 10*time.Millisecond)
}

func TestClientChannelFlow(t *testing.T) {
	srv := startServer(t)
	addr := srv.ClientAddr().String()
	alice := join(t, srv, addr, "alice")
	bob := join(t, srv, addr, "bob")
	ctx := testContext(t)

	require.NoError(t, alice.CreateChannel(ctx, "#team"))

	var serverErr *ServerError
	require.ErrorAs(t, alice.CreateChannel(ctx, "#team"), &serverErr)
	assert.Equal(t, "channel #team already exists", serverErr.Message)
	require.ErrorAs(t, alice.CreateChannel(ctx, "team"), &serverErr)

	require.NoError(t, alice.Invite(ctx, "bob", "#team"))

	var inv protocol.Invitation
	require.NoError(t, inv.Decode(nextEvent(t, bob, protocol.TypeChannelInvitation).Payload))
	assert.Equal(t, "alice", inv.Inviter)
	assert.Equal(t, "#team", inv.Channel)

	require.NoError(t, bob.RespondToInvitation(inv, true))
	require.Eventually(t, func() bool {
		for _, ch := range bob.Channels() {
			if ch == "#team" {
				return true
			}
		}
		return false
	}, testTimeout, 10*time.Millisecond)

	require.NoError(t, alice.SendToChannel("#team", "welcome"))
	msg := nextMessage(t, bob)
	assert.Equal(t, "#team", msg.Recipient)
	assert.Equal(t, "welcome", msg.Content)
}

func TestClientAudioRoundTrip(t *testing.T) {
	srv := startServer(t)
	addr := srv.ClientAddr().String()
	alice := join(t, srv, addr, "alice")
	bob := join(t, srv, addr, "bob")

	pcm := make([]byte, 3200)
	require.NoError(t, alice.SendAudio("bob", pcm))

	received := nextMessage(t, bob)
	assert.True(t, received.IsAudio)
	assert.Equal(t, "[audio message, 0.1s]", received.Content)
	require.NotEmpty(t, received.AudioFileName)

	echo := nextMessage(t, alice)
	assert.Equal(t, received.AudioFileName, echo.AudioFileName)

	data, err := bob.DownloadAudio(testContext(t), received.AudioFileName)
	require.NoError(t, err)
	assert.Equal(t, received.AudioFileName, data.FileName)
	assert.True(t, audio.IsWAV(data.Data))
}

func TestClientDownloadUnknownAudioTimesOut(t *testing.T) {
	srv := startServer(t)
	alice := join(t, srv, srv.ClientAddr().String(), "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := alice.DownloadAudio(ctx, "missing.wav")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientOverWebSocket(t *testing.T) {
	srv := startServer(t)
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	wsAddr := "ws://" + strings.TrimPrefix(ts.URL, "http://")
	alice := join(t, srv, wsAddr, "alice")
	bob := join(t, srv, srv.ClientAddr().String(), "bob")

	require.NoError(t, bob.SendToUser("alice", "over websocket"))
	msg := nextMessage(t, alice)
	assert.Equal(t, "over websocket", msg.Content)

	assert.NotZero(t, alice.Connection().BytesReceived())
	assert.NotZero(t, alice.Connection().BytesSent())
}

func TestClientServerShutdownEndsRequests(t *testing.T) {
	srv := startServer(t)
	alice := join(t, srv, srv.ClientAddr().String(), "alice")

	require.NoError(t, srv.Stop())

	select {
	case <-alice.Done():
	case <-time.After(testTimeout):
		t.Fatal("client did not notice the server going away")
	}
	assert.False(t, alice.Connection().IsConnected())
	assert.Error(t, alice.CreateChannel(testContext(t), "#late"))
}
