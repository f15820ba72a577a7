package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aeolun/meshchat/pkg/client"
	"github.com/aeolun/meshchat/pkg/protocol"
)

const requestTimeout = 10 * time.Second

const helpText = `Commands:
  /register <username> <email> <password>
  /login <email> <password>
  /to <user|#channel>            set the target for plain lines
  /msg <user|#channel> <text>
  /create <#channel>
  /invite <user> <#channel>
  /accept <#channel>             accept a pending invitation
  /decline <#channel>
  /audio <user|#channel> <file>  send a WAV or raw PCM clip
  /download <file> [output]
  /users
  /channels
  /stats
  /quit`

func main() {
	var (
		serverAddr string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "meshchat-client",
		Short:        "Line-oriented meshchat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := client.Dial(serverAddr, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			s := &session{client: c, out: cmd.OutOrStdout(), invitations: make(map[string]protocol.Invitation)}
			fmt.Fprintf(s.out, "connected to %s, type /help for commands\n", c.Connection().Address())
			go s.printEvents()
			return s.run(cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:5000", "server address (host:port, tcp://, ws:// or wss://)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log protocol traffic to stderr")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type session struct {
	client *client.Client
	out    io.Writer
	target string

	mu          sync.Mutex
	invitations map[string]protocol.Invitation
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *session) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if quit := s.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		case <-s.client.Done():
			return errors.New("connection closed by server")
		}
	}
}

// handle executes one input line and reports whether the user asked to quit
func (s *session) handle(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if s.target == "" {
			s.printf("no target set, use /to <user|#channel>")
			return false
		}
		s.report(s.send(s.target, line))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/help":
		s.printf("%s", helpText)
	case "/quit", "/exit":
		return true
	case "/register":
		if s.need(args, 3, "/register <username> <email> <password>") {
			s.report(s.client.Register(ctx, args[0], args[1], args[2]))
		}
	case "/login":
		if !s.need(args, 2, "/login <email> <password>") {
			break
		}
		success, history, err := s.client.Login(ctx, args[0], args[1])
		if err != nil {
			s.report(err)
			break
		}
		s.printf("logged in as %s on %s (%s)", success.User.Username, success.User.ServerName, success.User.ServerIP)
		s.printf("users: %s", strings.Join(success.Usernames, ", "))
		s.printf("channels: %s", strings.Join(success.Channels, ", "))
		for _, msg := range history.Messages {
			s.printf("%s", client.FormatMessage(msg))
		}
	case "/to":
		if s.need(args, 1, "/to <user|#channel>") {
			s.target = args[0]
			s.printf("now talking to %s", s.target)
		}
	case "/msg":
		if s.need(args, 2, "/msg <user|#channel> <text>") {
			s.report(s.send(args[0], strings.Join(args[1:], " ")))
		}
	case "/create":
		if s.need(args, 1, "/create <#channel>") {
			s.report(s.client.CreateChannel(ctx, args[0]))
		}
	case "/invite":
		if s.need(args, 2, "/invite <user> <#channel>") {
			s.report(s.client.Invite(ctx, args[0], args[1]))
		}
	case "/accept", "/decline":
		if s.need(args, 1, fields[0]+" <#channel>") {
			s.respond(args[0], fields[0] == "/accept")
		}
	case "/audio":
		if !s.need(args, 2, "/audio <user|#channel> <file>") {
			break
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			s.report(err)
			break
		}
		s.report(s.client.SendAudio(args[0], data))
	case "/download":
		if !s.need(args, 1, "/download <file> [output]") {
			break
		}
		data, err := s.client.DownloadAudio(ctx, args[0])
		if err != nil {
			s.report(fmt.Errorf("download %s: %w", args[0], err))
			break
		}
		output := data.FileName
		if len(args) > 1 {
			output = args[1]
		}
		if err := os.WriteFile(output, data.Data, 0644); err != nil {
			s.report(err)
			break
		}
		s.printf("saved %s (%s)", output, client.FormatBytes(uint64(len(data.Data))))
	case "/users":
		s.printf("users: %s", strings.Join(s.client.Users(), ", "))
	case "/channels":
		s.printf("channels: %s", strings.Join(s.client.Channels(), ", "))
	case "/stats":
		conn := s.client.Connection()
		s.printf("sent %s, received %s", client.FormatBytes(conn.BytesSent()), client.FormatBytes(conn.BytesReceived()))
	default:
		s.printf("unknown command %s, type /help", fields[0])
	}
	return false
}

func (s *session) send(recipient, text string) error {
	if protocol.IsChannelName(recipient) {
		return s.client.SendToChannel(recipient, text)
	}
	return s.client.SendToUser(recipient, text)
}

func (s *session) respond(channel string, accept bool) {
	s.mu.Lock()
	inv, ok := s.invitations[channel]
	delete(s.invitations, channel)
	s.mu.Unlock()

	if !ok {
		s.printf("no pending invitation to %s", channel)
		return
	}
	s.report(s.client.RespondToInvitation(inv, accept))
}

func (s *session) need(args []string, n int, usage string) bool {
	if len(args) < n {
		s.printf("usage: %s", usage)
		return false
	}
	return true
}

func (s *session) report(err error) {
	if err == nil {
		s.printf("ok")
		return
	}
	s.printf("error: %v", err)
}

func (s *session) printEvents() {
	for frame := range s.client.Events() {
		switch frame.Type {
		case protocol.TypeNewMessage:
			var msg protocol.ChatMessage
			if err := msg.Decode(frame.Payload); err == nil {
				s.printf("%s", client.FormatMessage(msg))
			}
		case protocol.TypeChannelInvitation:
			var inv protocol.Invitation
			if err := inv.Decode(frame.Payload); err != nil {
				continue
			}
			s.mu.Lock()
			s.invitations[inv.Channel] = inv
			s.mu.Unlock()
			s.printf("* %s invited you to %s (/accept %s or /decline %s)", inv.Inviter, inv.Channel, inv.Channel, inv.Channel)
		case protocol.TypeUserListUpdate:
			var list protocol.UserList
			if err := list.Decode(frame.Payload); err == nil {
				s.printf("* %d users online", len(list.Usernames))
			}
		case protocol.TypeChannelListUpdate:
			var list protocol.ChannelList
			if err := list.Decode(frame.Payload); err == nil {
				s.printf("* channels: %s", strings.Join(list.Channels, ", "))
			}
		}
	}
	s.printf("* disconnected")
}

func setupLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
