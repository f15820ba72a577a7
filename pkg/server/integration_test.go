package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/meshchat/pkg/audio"
	"github.com/aeolun/meshchat/pkg/protocol"
)

const testTimeout = 3 * time.Second

// newTestServer builds a server on loopback with random ports. It is stopped
// when the test ends; callers start it.
func newTestServer(t *testing.T, name string, mutate func(*ServerConfig)) *Server {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.ListenHost = "127.0.0.1"
	cfg.AdvertiseIP = "127.0.0.1"
	cfg.ClientPort = 0
	cfg.FederationPort = 0
	cfg.DatabasePath = filepath.Join(dir, "test.db")
	cfg.AudioDir = filepath.Join(dir, "audio")
	cfg.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, zaptest.NewLogger(t).Named(name))
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Stop()
	})
	return srv
}

// startTestServer builds and starts a server
func startTestServer(t *testing.T, name string, mutate func(*ServerConfig)) *Server {
	t.Helper()
	srv := newTestServer(t, name, mutate)
	require.NoError(t, srv.Start())
	return srv
}

// connectServers dials b's federation port from a and waits until both sides registered
func connectServers(t *testing.T, a, b *Server) {
	t.Helper()

	require.NoError(t, a.ConnectPeers(context.Background(), []string{b.FederationAddr().String()}))
	require.Eventually(t, func() bool {
		return hasPeer(a, b) && hasPeer(b, a)
	}, testTimeout, 10*time.Millisecond)
}

func hasPeer(srv, peer *Server) bool {
	want := peer.Federation().LocalKey()
	for _, key := range srv.Federation().PeerKeys() {
		if key == want {
			return true
		}
	}
	return false
}

// testClient speaks the client protocol over a raw connection
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func connectTCPClient(t *testing.T, srv *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", srv.ClientAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(action uint8, msg protocol.Encoder) {
	c.t.Helper()
	frame, err := protocol.FrameFor(action, msg)
	require.NoError(c.t, err)
	require.NoError(c.t, protocol.EncodeFrame(c.conn, frame))
}

func (c *testClient) read(timeout time.Duration) (*protocol.Frame, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return protocol.DecodeFrame(c.conn)
}

// expect reads frames until one of type action arrives. Presence updates are
// skipped unless they are what the caller waits for.
func (c *testClient) expect(action uint8) *protocol.Frame {
	c.t.Helper()
	for {
		frame, err := c.read(testTimeout)
		require.NoError(c.t, err, "waiting for %s", protocol.ActionName(action))
		if frame.Type == action {
			return frame
		}
		if frame.Type == protocol.TypeUserListUpdate {
			continue
		}
		c.t.Fatalf("expected %s, got %s", protocol.ActionName(action), protocol.ActionName(frame.Type))
	}
}

// expectNo fails if a frame of type action arrives within a short window
func (c *testClient) expectNo(action uint8) {
	c.t.Helper()
	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		frame, err := c.read(remaining)
		if err != nil {
			return
		}
		if frame.Type == action {
			c.t.Fatalf("unexpected %s", protocol.ActionName(action))
		}
	}
}

// expectClosed waits for the server to hang up
func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		frame, err := c.read(testTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatal("timed out waiting for the server to close the connection")
			}
			return
		}
		if frame.Type != protocol.TypeUserListUpdate {
			c.t.Fatalf("unexpected %s before close", protocol.ActionName(frame.Type))
		}
	}
}

func (c *testClient) expectMessage() protocol.ChatMessage {
	c.t.Helper()
	var msg protocol.ChatMessage
	require.NoError(c.t, msg.Decode(c.expect(protocol.TypeNewMessage).Payload))
	return msg
}

func (c *testClient) expectStatus(action uint8) string {
	c.t.Helper()
	var status protocol.StatusMessage
	require.NoError(c.t, status.Decode(c.expect(action).Payload))
	return status.Message
}

func (c *testClient) register(username, email, password string) {
	c.t.Helper()
	c.send(protocol.TypeRegister, &protocol.RegisterRequest{Username: username, Email: email, Password: password})
	c.expect(protocol.TypeRegisterSuccess)
}

// login authenticates and waits until the server routes to the new session
func (c *testClient) login(srv *Server, username, email, password string) protocol.LoginSuccess {
	c.t.Helper()
	c.send(protocol.TypeLogin, &protocol.LoginRequest{Email: email, Password: password})

	var success protocol.LoginSuccess
	require.NoError(c.t, success.Decode(c.expect(protocol.TypeLoginSuccess).Payload))

	var history protocol.MessageHistory
	require.NoError(c.t, history.Decode(c.expect(protocol.TypeMessageHistory).Payload))
	require.Equal(c.t, username, history.ChatID)

	require.Eventually(c.t, func() bool {
		_, ok := srv.Sessions().FindByUsername(username)
		return ok
	}, testTimeout, 5*time.Millisecond)
	return success
}

// joinAs registers a fresh account on srv and logs it in
func joinAs(t *testing.T, srv *Server, username string) *testClient {
	t.Helper()
	c := connectTCPClient(t, srv)
	c.register(username, username+"@example.com", "secret")
	c.login(srv, username, username+"@example.com", "secret")
	return c
}

func waitForRemoteUser(t *testing.T, srv *Server, username string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := srv.Federation().FindServerByUsername(username)
		return ok
	}, testTimeout, 10*time.Millisecond)
}

func TestLoginListsLocalAndRemoteUsers(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	joinAs(t, s2, "bob")
	joinAs(t, s1, "carol")
	waitForRemoteUser(t, s1, "bob")

	alice := connectTCPClient(t, s1)
	alice.register("alice", "alice@example.com", "secret")
	success := alice.login(s1, "alice", "alice@example.com", "secret")

	assert.Equal(t, []string{"alice", "bob", "carol"}, success.Usernames)
	assert.Equal(t, "alice", success.User.Username)
	assert.Equal(t, "127.0.0.1", success.User.ServerIP)
	assert.Equal(t, "s1", success.User.ServerName)
}

func TestPresenceReachesRemoteClients(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	joinAs(t, s2, "bob")

	for {
		var list protocol.UserList
		require.NoError(t, list.Decode(alice.expect(protocol.TypeUserListUpdate).Payload))
		if len(list.Usernames) == 2 {
			assert.Equal(t, []string{"alice", "bob"}, list.Usernames)
			return
		}
	}
}

func TestFederatedPrivateMessage(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	bob := joinAs(t, s2, "bob")
	waitForRemoteUser(t, s1, "bob")

	alice.send(protocol.TypeSendMessageToUser, &protocol.ChatMessage{Recipient: "bob", Content: "hello over there"})

	got := bob.expectMessage()
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hello over there", got.Content)

	echo := alice.expectMessage()
	assert.Equal(t, "bob", echo.Recipient)
	assert.Equal(t, "hello over there", echo.Content)
}

func TestFederatedUnknownChannelReachesEveryRemoteClient(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	bob := joinAs(t, s2, "bob")
	carol := joinAs(t, s2, "carol")

	alice.send(protocol.TypeSendMessageToChannel, &protocol.ChatMessage{Recipient: "#lobby", Content: "anyone?"})

	alice.expectMessage()
	assert.Equal(t, "anyone?", bob.expectMessage().Content)
	assert.Equal(t, "anyone?", carol.expectMessage().Content)
}

func TestFederatedAudioIsServedByReceivingServer(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	bob := joinAs(t, s2, "bob")
	waitForRemoteUser(t, s1, "bob")

	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	alice.send(protocol.TypeUploadAudio, &protocol.AudioUpload{Data: pcm})
	alice.send(protocol.TypeSendMessageToUser, &protocol.ChatMessage{Recipient: "bob", IsAudio: true})

	got := bob.expectMessage()
	require.True(t, got.IsAudio)
	require.NotEmpty(t, got.AudioFileName)
	assert.Empty(t, got.AudioData)
	assert.Contains(t, got.Content, "audio message")

	bob.send(protocol.TypeDownloadAudioRequest, &protocol.AudioRequest{FileName: got.AudioFileName})
	var data protocol.AudioData
	require.NoError(t, data.Decode(bob.expect(protocol.TypeAudioDataResponse).Payload))

	decoded, format, err := audio.DecodeWAV(data.Data)
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)
	assert.Equal(t, audio.DefaultFormat, format)
}

func TestOversizedAudioKeepsFederationLinks(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	bob := joinAs(t, s2, "bob")
	waitForRemoteUser(t, s1, "bob")

	// Fits in an upload frame but not in the store: the message goes out without audio
	alice.send(protocol.TypeUploadAudio, &protocol.AudioUpload{Data: make([]byte, protocol.MaxFrameSize-100)})
	alice.send(protocol.TypeSendMessageToUser, &protocol.ChatMessage{Recipient: "carol", IsAudio: true})
	echo := alice.expectMessage()
	assert.Equal(t, AudioUnavailable, echo.Content)
	assert.Empty(t, echo.AudioFileName)
	assert.True(t, hasPeer(s1, s2))

	// The largest storable clip (44-byte WAV header included) crosses the federation
	alice.send(protocol.TypeUploadAudio, &protocol.AudioUpload{Data: make([]byte, audio.MaxAudioSize-44)})
	alice.send(protocol.TypeSendMessageToUser, &protocol.ChatMessage{Recipient: "bob", IsAudio: true})
	echo = alice.expectMessage()
	require.NotEmpty(t, echo.AudioFileName)

	got := bob.expectMessage()
	assert.Equal(t, echo.AudioFileName, got.AudioFileName)

	for _, c := range []*testClient{alice, bob} {
		c.send(protocol.TypeDownloadAudioRequest, &protocol.AudioRequest{FileName: echo.AudioFileName})
		var data protocol.AudioData
		require.NoError(t, data.Decode(c.expect(protocol.TypeAudioDataResponse).Payload))
		assert.Len(t, data.Data, audio.MaxAudioSize)
	}

	assert.True(t, hasPeer(s1, s2))
	assert.True(t, hasPeer(s2, s1))
}

func TestUnencodableFrameKeepsPeers(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	frame := protocol.NewFrame(protocol.TypeFederatedMessage, make([]byte, protocol.MaxFrameSize))
	assert.Zero(t, s1.Federation().Broadcast(frame))
	assert.ErrorIs(t, s1.Federation().SendTo(s2.Federation().LocalKey(), frame), protocol.ErrFrameTooLarge)

	assert.True(t, hasPeer(s1, s2))

	// The link still carries traffic
	before := peerHeartbeat(t, s2, s1)
	time.Sleep(5 * time.Millisecond)
	s1.Federation().Heartbeat()
	require.Eventually(t, func() bool {
		return peerHeartbeat(t, s2, s1).After(before)
	}, testTimeout, 10*time.Millisecond)
}

func TestFederatedInvite(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	bob := joinAs(t, s2, "bob")
	waitForRemoteUser(t, s1, "bob")

	alice.send(protocol.TypeCreateChannel, &protocol.CreateChannelRequest{Name: "#proj"})
	alice.expect(protocol.TypeCreateChannelSuccess)
	alice.expect(protocol.TypeChannelListUpdate)

	alice.send(protocol.TypeInviteUser, &protocol.Invitation{Invited: "bob", Channel: "#proj"})
	alice.expect(protocol.TypeInviteSuccess)

	var inv protocol.Invitation
	require.NoError(t, inv.Decode(bob.expect(protocol.TypeChannelInvitation).Payload))
	assert.Equal(t, "alice", inv.Inviter)
	assert.Equal(t, "#proj", inv.Channel)

	inv.Accepted = true
	bob.send(protocol.TypeInvitationResponse, &inv)

	var list protocol.ChannelList
	require.NoError(t, list.Decode(bob.expect(protocol.TypeChannelListUpdate).Payload))
	assert.Equal(t, []string{"#proj"}, list.Channels)

	require.Eventually(t, func() bool {
		channel, err := s1.Store().FindChannel("#proj")
		return err == nil && channel.HasMember("bob")
	}, testTimeout, 10*time.Millisecond)

	channels, err := s2.Store().ChannelsForMember("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"#proj"}, channels)

	// Channel traffic now reaches the remote member
	alice.send(protocol.TypeSendMessageToChannel, &protocol.ChatMessage{Recipient: "#proj", Content: "welcome"})
	assert.Equal(t, "welcome", alice.expectMessage().Content)
	assert.Equal(t, "welcome", bob.expectMessage().Content)
}

func TestRemoteMemberInvitesToChannelHostedElsewhere(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	alice := joinAs(t, s1, "alice")
	bob := joinAs(t, s2, "bob")
	carol := joinAs(t, s2, "carol")
	waitForRemoteUser(t, s1, "bob")

	alice.send(protocol.TypeCreateChannel, &protocol.CreateChannelRequest{Name: "#proj"})
	alice.expect(protocol.TypeCreateChannelSuccess)
	alice.expect(protocol.TypeChannelListUpdate)

	alice.send(protocol.TypeInviteUser, &protocol.Invitation{Invited: "bob", Channel: "#proj"})
	alice.expect(protocol.TypeInviteSuccess)
	var inv protocol.Invitation
	require.NoError(t, inv.Decode(bob.expect(protocol.TypeChannelInvitation).Payload))
	inv.Accepted = true
	bob.send(protocol.TypeInvitationResponse, &inv)
	bob.expect(protocol.TypeChannelListUpdate)

	// carol is not a member yet and #proj does not exist on s2
	carol.send(protocol.TypeInviteUser, &protocol.Invitation{Invited: "bob", Channel: "#proj"})
	assert.Contains(t, carol.expectStatus(protocol.TypeInviteFailure), "not a member")

	bob.send(protocol.TypeInviteUser, &protocol.Invitation{Invited: "carol", Channel: "#proj"})
	bob.expect(protocol.TypeInviteSuccess)

	require.NoError(t, inv.Decode(carol.expect(protocol.TypeChannelInvitation).Payload))
	assert.Equal(t, "bob", inv.Inviter)
	assert.Equal(t, "#proj", inv.Channel)

	inv.Accepted = true
	carol.send(protocol.TypeInvitationResponse, &inv)
	var list protocol.ChannelList
	require.NoError(t, list.Decode(carol.expect(protocol.TypeChannelListUpdate).Payload))
	assert.Equal(t, []string{"#proj"}, list.Channels)

	require.Eventually(t, func() bool {
		channel, err := s1.Store().FindChannel("#proj")
		return err == nil && channel.HasMember("carol")
	}, testTimeout, 10*time.Millisecond)
}

func TestTopologyConvergesToFullMesh(t *testing.T) {
	a := startTestServer(t, "a", nil)
	b := startTestServer(t, "b", nil)
	c := startTestServer(t, "c", nil)

	connectServers(t, b, a)
	connectServers(t, c, b)

	servers := []*Server{a, b, c}
	require.Eventually(t, func() bool {
		for _, srv := range servers {
			if len(srv.Federation().PeerKeys()) != 2 {
				return false
			}
		}
		return true
	}, testTimeout, 10*time.Millisecond)

	want := []string{a.Federation().LocalKey(), b.Federation().LocalKey(), c.Federation().LocalKey()}
	sort.Strings(want)
	for _, srv := range servers {
		keys := append([]string{srv.Federation().LocalKey()}, srv.Federation().PeerKeys()...)
		sort.Strings(keys)
		assert.Equal(t, want, keys)
	}

	// Merging a known topology again changes nothing
	require.NoError(t, a.Federation().MergeTopology(context.Background(), c.Federation().Topology()))
	for _, srv := range servers {
		assert.Len(t, srv.Federation().PeerKeys(), 2)
	}
}

func TestPeerShutdownClearsRemotePresence(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)
	connectServers(t, s1, s2)

	joinAs(t, s2, "bob")
	waitForRemoteUser(t, s1, "bob")

	require.NoError(t, s2.Stop())

	require.Eventually(t, func() bool {
		return len(s1.Federation().PeerKeys()) == 0
	}, testTimeout, 10*time.Millisecond)
	_, ok := s1.Federation().FindServerByUsername("bob")
	assert.False(t, ok)
	assert.Empty(t, s1.Federation().AllRemoteUsers())
}

func TestPeerIsKeyedByAnnouncedAddress(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", func(cfg *ServerConfig) {
		cfg.AdvertiseIP = "localhost"
	})

	// Dialled by IP, announced by name
	dialled := s2.FederationAddr().String()
	require.NoError(t, s1.ConnectPeers(context.Background(), []string{dialled}))
	require.Eventually(t, func() bool {
		return hasPeer(s1, s2) && hasPeer(s2, s1)
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{s2.Federation().LocalKey()}, s1.Federation().PeerKeys())

	require.NoError(t, s1.ConnectPeers(context.Background(), []string{dialled}))
	require.NoError(t, s1.Federation().MergeTopology(context.Background(), s2.Federation().Topology()))
	assert.Len(t, s1.Federation().PeerKeys(), 1)
	assert.Len(t, s2.Federation().PeerKeys(), 1)
}

func TestSimultaneousDialsKeepOneLink(t *testing.T) {
	for i := 0; i < 10; i++ {
		a := startTestServer(t, "a", nil)
		b := startTestServer(t, "b", nil)

		// Losing dials fail their handshake; only the surviving link matters
		var g errgroup.Group
		g.Go(func() error {
			a.ConnectPeers(context.Background(), []string{b.FederationAddr().String()})
			return nil
		})
		g.Go(func() error {
			b.ConnectPeers(context.Background(), []string{a.FederationAddr().String()})
			return nil
		})
		g.Wait()

		require.Eventually(t, func() bool {
			return hasPeer(a, b) && hasPeer(b, a)
		}, testTimeout, 10*time.Millisecond, "iteration %d", i)
		require.Never(t, func() bool {
			return len(a.Federation().PeerKeys()) != 1 || len(b.Federation().PeerKeys()) != 1 ||
				!hasPeer(a, b) || !hasPeer(b, a)
		}, 100*time.Millisecond, 10*time.Millisecond, "iteration %d", i)

		a.Stop()
		b.Stop()
	}
}

func TestConnectPeersReportsUnreachablePeers(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	ln.Close()

	err = s1.ConnectPeers(context.Background(), []string{
		s2.FederationAddr().String(),
		closedAddr,
		s1.FederationAddr().String(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), closedAddr)

	require.Eventually(t, func() bool { return hasPeer(s1, s2) && hasPeer(s2, s1) }, testTimeout, 10*time.Millisecond)
	assert.Len(t, s1.Federation().PeerKeys(), 1)

	// Dialling a registered peer again is not an error
	require.NoError(t, s1.ConnectPeers(context.Background(), []string{s2.FederationAddr().String()}))
}

func TestBootstrapPeersFromConfig(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", func(cfg *ServerConfig) {
		cfg.Peers = []string{s1.FederationAddr().String()}
	})

	require.Eventually(t, func() bool { return hasPeer(s1, s2) && hasPeer(s2, s1) }, testTimeout, 10*time.Millisecond)
}

func TestHeartbeatUpdatesPeerTimestamp(t *testing.T) {
	s1 := startTestServer(t, "s1", nil)
	s2 := startTestServer(t, "s2", func(cfg *ServerConfig) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	connectServers(t, s1, s2)

	first := peerHeartbeat(t, s1, s2)
	require.Eventually(t, func() bool {
		return peerHeartbeat(t, s1, s2).After(first)
	}, testTimeout, 10*time.Millisecond)
}

func peerHeartbeat(t *testing.T, srv, peer *Server) time.Time {
	t.Helper()
	for _, p := range srv.Federation().Peers() {
		if p.Key == peer.Federation().LocalKey() {
			return p.LastHeartbeat
		}
	}
	t.Fatalf("%s is not a peer", peer.Federation().LocalKey())
	return time.Time{}
}
