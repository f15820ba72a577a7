package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageCarriesAudioOnlyWhenSet(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)

	text := &ChatMessage{Sender: "alice", Recipient: "bob", Content: "hi", Timestamp: ts}
	payload, err := text.Encode()
	require.NoError(t, err)

	var decoded ChatMessage
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, "alice", decoded.Sender)
	assert.Equal(t, "bob", decoded.Recipient)
	assert.Equal(t, "hi", decoded.Content)
	assert.False(t, decoded.IsAudio)
	assert.Nil(t, decoded.AudioData)
	assert.True(t, ts.Equal(decoded.Timestamp))
	assert.False(t, decoded.IsChannel())

	audio := &ChatMessage{
		Sender:        "alice",
		Recipient:     "#team",
		Content:       "transcript",
		IsAudio:       true,
		AudioFileName: "0b6b6d0e.wav",
		AudioData:     []byte("RIFF...."),
	}
	payload, err = audio.Encode()
	require.NoError(t, err)

	decoded = ChatMessage{}
	require.NoError(t, decoded.Decode(payload))
	assert.True(t, decoded.IsAudio)
	assert.True(t, decoded.IsChannel())
	assert.Equal(t, "0b6b6d0e.wav", decoded.AudioFileName)
	assert.Equal(t, []byte("RIFF...."), decoded.AudioData)
}

func TestLoginSuccessLists(t *testing.T) {
	msg := &LoginSuccess{
		User:      UserInfo{Username: "alice", Email: "alice@example.com", ServerIP: "10.0.0.1", ServerName: "s1"},
		Usernames: []string{"alice", "bob", "carol"},
		Channels:  []string{"#team"},
	}
	payload, err := msg.Encode()
	require.NoError(t, err)

	var decoded LoginSuccess
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, *msg, decoded)
}

func TestTopologyPreservesServerOrder(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	msg := &Topology{Servers: []ServerInfo{
		{Name: "a", IP: "10.0.0.1", ClientPort: 5000, FederationPort: 5001, Timestamp: ts},
		{Name: "b", IP: "10.0.0.2", ClientPort: 6000, FederationPort: 6001, ConnectedClients: 3, Timestamp: ts},
	}}
	payload, err := msg.Encode()
	require.NoError(t, err)

	var decoded Topology
	require.NoError(t, decoded.Decode(payload))
	require.Len(t, decoded.Servers, 2)
	assert.Equal(t, "10.0.0.1:5001", decoded.Servers[0].Key())
	assert.Equal(t, "10.0.0.2:6001", decoded.Servers[1].Key())
	assert.Equal(t, uint32(3), decoded.Servers[1].ConnectedClients)
}

func TestFederatedMessageNestsChatMessage(t *testing.T) {
	msg := &FederatedMessage{
		OriginServerIP:   "10.0.0.1",
		OriginServerName: "s1",
		Message: ChatMessage{
			Sender:        "alice",
			Recipient:     "bob",
			Content:       "hola",
			IsAudio:       true,
			AudioFileName: "x.wav",
			AudioData:     []byte{1, 2, 3, 4},
		},
		RequiresAudioData: true,
	}
	payload, err := msg.Encode()
	require.NoError(t, err)

	var decoded FederatedMessage
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, "s1", decoded.OriginServerName)
	assert.True(t, decoded.RequiresAudioData)
	assert.Equal(t, []byte{1, 2, 3, 4}, decoded.Message.AudioData)
	assert.Equal(t, "x.wav", decoded.Message.AudioFileName)
}

func TestMessageHistory(t *testing.T) {
	msg := &MessageHistory{
		ChatID: "alice",
		Messages: []ChatMessage{
			{Sender: "bob", Recipient: "alice", Content: "one"},
			{Sender: "alice", Recipient: "#team", Content: "two"},
		},
	}
	payload, err := msg.Encode()
	require.NoError(t, err)

	var decoded MessageHistory
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, "alice", decoded.ChatID)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, "two", decoded.Messages[1].Content)
}

func TestPeerKey(t *testing.T) {
	assert.Equal(t, "127.0.0.1:5001", PeerKey("127.0.0.1", 5001))
	assert.Equal(t, "[::1]:5001", PeerKey("::1", 5001))

	info := ServerInfo{IP: "192.168.1.4", FederationPort: 7001}
	assert.Equal(t, "192.168.1.4:7001", info.Key())
}

func TestDecodeTruncatedPayloads(t *testing.T) {
	full, err := (&Invitation{Inviter: "alice", Invited: "bob", Channel: "#proj", Accepted: true}).Encode()
	require.NoError(t, err)

	decoders := map[string]interface{ Decode([]byte) error }{
		"register":   &RegisterRequest{},
		"login":      &LoginRequest{},
		"chat":       &ChatMessage{},
		"invitation": &Invitation{},
		"server":     &ServerInfo{},
		"federated":  &FederatedMessage{},
	}

	for name, d := range decoders {
		d := d
		t.Run(name, func(t *testing.T) {
			assert.Error(t, d.Decode(nil))
		})
	}

	var inv Invitation
	assert.Error(t, inv.Decode(full[:len(full)-1]))
	require.NoError(t, inv.Decode(full))
	assert.True(t, inv.Accepted)
}
