package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aeolun/meshchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath     string
		debug          bool
		clientPort     int
		federationPort int
		httpPort       int
		dbPath         string
		name           string
		advertiseIP    string
		peers          []string
	)

	cmd := &cobra.Command{
		Use:   "meshchat-server",
		Short: "Federated chat server",
		Long: `Runs a meshchat server. Clients connect on the client port; other servers
connect on the federation port and the servers form a full mesh.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(debug)
			defer logger.Sync()

			config, err := server.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Command-line flags override config file
			flags := cmd.Flags()
			if flags.Changed("client-port") {
				config.Server.ClientPort = clientPort
			}
			if flags.Changed("federation-port") {
				config.Server.FederationPort = federationPort
			}
			if flags.Changed("http-port") {
				config.Server.HTTPPort = httpPort
			}
			if dbPath != "" {
				config.Server.DatabasePath = dbPath
			}
			if name != "" {
				config.Server.Name = name
			}
			if advertiseIP != "" {
				config.Server.AdvertiseIP = advertiseIP
			}
			if len(peers) > 0 {
				config.Federation.Peers = append(config.Federation.Peers, peers...)
			}

			finalDBPath, err := config.GetDatabasePath()
			if err != nil {
				return fmt.Errorf("failed to resolve database path: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}

			serverConfig := config.ToServerConfig()
			serverConfig.DatabasePath = finalDBPath

			srv, err := server.NewServer(serverConfig, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			identity := srv.Identity()
			logger.Info("meshchat server running",
				zap.String("version", Version),
				zap.String("config", configPath),
				zap.String("database", finalDBPath),
				zap.String("identity", identity.Key()),
				zap.Strings("peers", serverConfig.Peers))
			if addr := srv.HTTPAddr(); addr != nil {
				logger.Info("websocket clients accepted", zap.String("url", "ws://"+addr.String()+"/ws"))
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			sig := <-sigChan

			logger.Info("shutting down", zap.Stringer("signal", sig))
			if err := srv.Stop(); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "~/.meshchat/config.toml", "config file path (created with defaults if missing)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().IntVar(&clientPort, "client-port", 0, "client listener port (overrides config)")
	cmd.Flags().IntVar(&federationPort, "federation-port", 0, "federation listener port (overrides config)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "metrics/health/websocket port, 0 disables (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&name, "name", "", "server name shown to users and peers")
	cmd.Flags().StringVar(&advertiseIP, "advertise-ip", "", "IP other servers should reach this one on")
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "federation address of a peer to join (repeatable)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshchat server %s\n", Version)
		},
	})

	return cmd
}

func setupLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
