package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/meshchat/pkg/audio"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Limits     LimitsSection     `toml:"limits"`
	Federation FederationSection `toml:"federation"`
	Audio      AudioSection      `toml:"audio"`
	Security   SecuritySection   `toml:"security"`
}

type ServerSection struct {
	Name           string `toml:"name"`
	AdvertiseIP    string `toml:"advertise_ip"`
	ListenHost     string `toml:"listen_host"`
	ClientPort     int    `toml:"client_port"`
	FederationPort int    `toml:"federation_port"`
	HTTPPort       int    `toml:"http_port"`
	DatabasePath   string `toml:"database_path"`
	AudioDir       string `toml:"audio_dir"`
}

type LimitsSection struct {
	MaxConnections          int `toml:"max_connections"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	HistoryLimit            int `toml:"history_limit"`
}

type FederationSection struct {
	Peers                    []string `toml:"peers"`
	HeartbeatIntervalSeconds int      `toml:"heartbeat_interval_seconds"`
}

type AudioSection struct {
	SampleRate    int `toml:"sample_rate"`
	Channels      int `toml:"channels"`
	BitsPerSample int `toml:"bits_per_sample"`
}

type SecuritySection struct {
	HashPasswords bool `toml:"hash_passwords"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Name:           "meshchat",
			ClientPort:     5000,
			FederationPort: 5001,
			DatabasePath:   "~/.meshchat/meshchat.db",
			AudioDir:       "~/.meshchat/audio_files",
		},
		Limits: LimitsSection{
			MaxConnections:          100,
			HandshakeTimeoutSeconds: 10,
			HistoryLimit:            50,
		},
		Federation: FederationSection{
			Peers:                    []string{},
			HeartbeatIntervalSeconds: 30,
		},
		Audio: AudioSection{
			SampleRate:    audio.DefaultFormat.SampleRate,
			Channels:      audio.DefaultFormat.Channels,
			BitsPerSample: audio.DefaultFormat.BitsPerSample,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# meshchat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
#
# federation.peers lists ip:federation_port addresses dialled at start-up.
# security.hash_passwords stores new passwords as bcrypt hashes.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Name) != "" {
		cfg.Name = c.Server.Name
	}
	if c.Server.AdvertiseIP != "" {
		cfg.AdvertiseIP = c.Server.AdvertiseIP
	}
	if c.Server.ListenHost != "" {
		cfg.ListenHost = c.Server.ListenHost
	}
	if c.Server.ClientPort != 0 {
		cfg.ClientPort = c.Server.ClientPort
	}
	if c.Server.FederationPort != 0 {
		cfg.FederationPort = c.Server.FederationPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if dir, err := expandHome(c.Server.AudioDir); err == nil && dir != "" {
		cfg.AudioDir = dir
	}

	if c.Limits.MaxConnections != 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	if c.Limits.HandshakeTimeoutSeconds != 0 {
		cfg.HandshakeTimeout = time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second
	}
	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}

	if c.Federation.HeartbeatIntervalSeconds != 0 {
		cfg.HeartbeatInterval = time.Duration(c.Federation.HeartbeatIntervalSeconds) * time.Second
	}
	for _, peer := range c.Federation.Peers {
		if peer = strings.TrimSpace(peer); peer != "" {
			cfg.Peers = append(cfg.Peers, peer)
		}
	}

	if c.Audio.SampleRate != 0 {
		cfg.AudioFormat.SampleRate = c.Audio.SampleRate
	}
	if c.Audio.Channels != 0 {
		cfg.AudioFormat.Channels = c.Audio.Channels
	}
	if c.Audio.BitsPerSample != 0 {
		cfg.AudioFormat.BitsPerSample = c.Audio.BitsPerSample
	}

	cfg.HashPasswords = c.Security.HashPasswords
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
