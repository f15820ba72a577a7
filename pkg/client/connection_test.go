package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		display string
	}{
		{"bare host and port", "example.com:1234", "example.com:1234"},
		{"default port", "example.com", "example.com:5000"},
		{"tcp scheme", "tcp://10.0.0.1:7000", "10.0.0.1:7000"},
		{"tcp scheme default port", "tcp://10.0.0.1", "10.0.0.1:5000"},
		{"websocket", "ws://chat.example.com:8080", "ws://chat.example.com:8080"},
		{"secure websocket", "wss://chat.example.com", "wss://chat.example.com:5000"},
		{"ipv6 without port", "[::1]", "[::1]:5000"},
		{"surrounding whitespace", "  example.com:1  ", "example.com:1"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestParseServerAddressRejects(t *testing.T) {
	for _, input := range []string{"", "   ", "ssh://example.com", "tcp://"} {
		_, err := parseServerAddress(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1", nil)
	require.NoError(t, err)

	assert.False(t, conn.IsConnected())
	assert.ErrorIs(t, conn.Send(nil), ErrNotConnected)
	assert.Equal(t, "127.0.0.1:1", conn.Address())
}
