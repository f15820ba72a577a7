package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigPorts(t *testing.T) {
	cfg := DefaultTOMLConfig()

	assert.Equal(t, 5000, cfg.Server.ClientPort)
	assert.Equal(t, 5001, cfg.Server.FederationPort)
	assert.Zero(t, cfg.Server.HTTPPort)
	assert.Equal(t, 100, cfg.Limits.MaxConnections)
	assert.False(t, cfg.Security.HashPasswords)
}

func TestToServerConfigMapsSections(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.Name = "alpha"
	cfg.Server.AdvertiseIP = "10.0.0.5"
	cfg.Server.ClientPort = 7000
	cfg.Server.FederationPort = 7001
	cfg.Server.AudioDir = "/tmp/clips"
	cfg.Limits.MaxConnections = 3
	cfg.Limits.HandshakeTimeoutSeconds = 2
	cfg.Federation.Peers = []string{"10.0.0.6:7001", "  ", "10.0.0.7:7001"}
	cfg.Federation.HeartbeatIntervalSeconds = 5
	cfg.Audio.SampleRate = 8000
	cfg.Security.HashPasswords = true

	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, "alpha", serverCfg.Name)
	assert.Equal(t, "10.0.0.5", serverCfg.AdvertiseIP)
	assert.Equal(t, 7000, serverCfg.ClientPort)
	assert.Equal(t, 7001, serverCfg.FederationPort)
	assert.Equal(t, "/tmp/clips", serverCfg.AudioDir)
	assert.Equal(t, 3, serverCfg.MaxConnections)
	assert.Equal(t, 2*time.Second, serverCfg.HandshakeTimeout)
	assert.Equal(t, []string{"10.0.0.6:7001", "10.0.0.7:7001"}, serverCfg.Peers)
	assert.Equal(t, 5*time.Second, serverCfg.HeartbeatInterval)
	assert.Equal(t, 8000, serverCfg.AudioFormat.SampleRate)
	assert.Equal(t, 1, serverCfg.AudioFormat.Channels)
	assert.True(t, serverCfg.HashPasswords)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()
	defaults := DefaultConfig()

	assert.Equal(t, defaults.ClientPort, serverCfg.ClientPort)
	assert.Equal(t, defaults.FederationPort, serverCfg.FederationPort)
	assert.Equal(t, defaults.MaxConnections, serverCfg.MaxConnections)
	assert.Equal(t, defaults.HandshakeTimeout, serverCfg.HandshakeTimeout)
	assert.Equal(t, defaults.HeartbeatInterval, serverCfg.HeartbeatInterval)
	assert.Equal(t, defaults.AudioFormat, serverCfg.AudioFormat)
	assert.Empty(t, serverCfg.Peers)
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig().Server.ClientPort, cfg.Server.ClientPort)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# meshchat server configuration")
	assert.Contains(t, string(data), "client_port = 5000")
}

func TestLoadConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
name = "beta"
federation_port = 6001

[federation]
peers = ["192.168.1.10:5001"]
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "beta", cfg.Server.Name)
	assert.Equal(t, 6001, cfg.Server.FederationPort)
	assert.Equal(t, 5000, cfg.Server.ClientPort)
	assert.Equal(t, []string{"192.168.1.10:5001"}, cfg.Federation.Peers)
	assert.Equal(t, 30, cfg.Federation.HeartbeatIntervalSeconds)
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nname = "), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := TOMLConfig{Server: ServerSection{DatabasePath: "~/.meshchat/test.db"}}
	path, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".meshchat", "test.db"), path)
}
