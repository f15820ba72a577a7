package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/meshchat/pkg/client"
	"github.com/aeolun/meshchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	sent             atomic.Int64
	sendFailures     atomic.Int64
	received         atomic.Int64
	totalLatency     atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	s.received.Add(1)
	s.totalLatency.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, received, failed int64, avgLatencyUs float64) {
	sent = s.sent.Load()
	received = s.received.Load()
	failed = s.sendFailures.Load()
	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// Bot is one logged-in load test user
type Bot struct {
	id     int
	name   string
	client *client.Client
	stats  *Stats
}

func newBot(ctx context.Context, id int, run int64, addr string, stats *Stats, logger *zap.Logger) (*Bot, error) {
	name := fmt.Sprintf("bot%d_%d", run, id)
	c, err := client.Dial(addr, logger.Named(name))
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, err
	}

	email := name + "@loadtest.invalid"
	if err := c.Register(ctx, name, email, "loadtest"); err != nil {
		c.Close()
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	if _, _, err := c.Login(ctx, email, "loadtest"); err != nil {
		c.Close()
		return nil, fmt.Errorf("login %s: %w", name, err)
	}
	return &Bot{id: id, name: name, client: c, stats: stats}, nil
}

// acceptInvitation consumes events until an invitation to channel arrives and accepts it
func (b *Bot) acceptInvitation(ctx context.Context, channel string) error {
	for {
		select {
		case frame, ok := <-b.client.Events():
			if !ok {
				return client.ErrDisconnected
			}
			if frame.Type != protocol.TypeChannelInvitation {
				continue
			}
			var inv protocol.Invitation
			if err := inv.Decode(frame.Payload); err != nil {
				return err
			}
			if inv.Channel == channel {
				return b.client.RespondToInvitation(inv, true)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receive counts channel deliveries until the connection or ctx ends
func (b *Bot) receive(ctx context.Context, channel string) {
	for {
		select {
		case frame, ok := <-b.client.Events():
			if !ok {
				if ctx.Err() == nil {
					b.stats.disconnections.Add(1)
				}
				return
			}
			if frame.Type != protocol.TypeNewMessage {
				continue
			}
			var msg protocol.ChatMessage
			if err := msg.Decode(frame.Payload); err != nil || msg.Recipient != channel || msg.Sender == b.name {
				continue
			}
			b.stats.recordDelivery(time.Since(msg.Timestamp))
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) post(ctx context.Context, channel string, minDelay, maxDelay time.Duration) {
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := b.client.SendToChannel(channel, randomSentence()); err != nil {
			b.stats.sendFailures.Add(1)
			if errors.Is(err, client.ErrNotConnected) {
				return
			}
			continue
		}
		b.stats.sent.Add(1)
	}
}

func randomSentence() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func main() {
	var (
		serverAddr string
		numClients int
		duration   time.Duration
		minDelay   time.Duration
		maxDelay   time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "meshchat-loadtest",
		Short:        "Drive a meshchat server with many chatting clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if numClients < 2 {
				return fmt.Errorf("need at least 2 clients, got %d", numClients)
			}
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLoadTest(ctx, logger, serverAddr, numClients, duration, minDelay, maxDelay)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:5000", "server address (host:port, tcp://, ws:// or wss://)")
	cmd.Flags().IntVarP(&numClients, "clients", "n", 10, "number of concurrent clients")
	cmd.Flags().DurationVarP(&duration, "duration", "d", time.Minute, "test duration")
	cmd.Flags().DurationVar(&minDelay, "min-delay", 100*time.Millisecond, "minimum delay between posts")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", time.Second, "maximum delay between posts")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runLoadTest(ctx context.Context, logger *zap.Logger, addr string, numClients int, duration, minDelay, maxDelay time.Duration) error {
	run := time.Now().Unix()
	channel := fmt.Sprintf("#loadtest%d", run)
	stats := &Stats{}

	logger.Info("starting load test",
		zap.String("server", addr),
		zap.Int("clients", numClients),
		zap.Duration("duration", duration),
		zap.String("channel", channel))

	// Connect everyone
	setupCtx, cancelSetup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelSetup()

	bots := make([]*Bot, numClients)
	g, gctx := errgroup.WithContext(setupCtx)
	g.SetLimit(50)
	for i := range bots {
		i := i
		g.Go(func() error {
			bot, err := newBot(gctx, i, run, addr, stats, logger)
			if err != nil {
				return err
			}
			bots[i] = bot
			return nil
		})
	}
	err := g.Wait()
	defer func() {
		for _, bot := range bots {
			if bot != nil {
				bot.client.Close()
			}
		}
	}()
	if err != nil {
		return fmt.Errorf("connecting clients: %w", err)
	}
	logger.Info("all clients logged in")

	// The first bot owns the channel and invites everybody else
	owner := bots[0]
	if err := owner.client.CreateChannel(setupCtx, channel); err != nil {
		return fmt.Errorf("creating %s: %w", channel, err)
	}
	g, gctx = errgroup.WithContext(setupCtx)
	for _, bot := range bots[1:] {
		bot := bot
		g.Go(func() error {
			if err := bot.acceptInvitation(gctx, channel); err != nil {
				return fmt.Errorf("%s joining: %w", bot.name, err)
			}
			return nil
		})
	}
	for _, bot := range bots[1:] {
		if err := owner.client.Invite(setupCtx, bot.name, channel); err != nil {
			return fmt.Errorf("inviting %s: %w", bot.name, err)
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, bot := range bots[1:] {
		for !slices.Contains(bot.client.Channels(), channel) {
			select {
			case <-time.After(10 * time.Millisecond):
			case <-setupCtx.Done():
				return fmt.Errorf("%s never saw %s in its channel list", bot.name, channel)
			}
		}
	}
	logger.Info("channel populated", zap.Int("members", numClients))

	runCtx, cancelRun := context.WithTimeout(ctx, duration)
	defer cancelRun()

	go reportStats(runCtx, logger, stats)

	g = &errgroup.Group{}
	for _, bot := range bots {
		bot := bot
		g.Go(func() error {
			bot.receive(runCtx, channel)
			return nil
		})
		g.Go(func() error {
			bot.post(runCtx, channel, minDelay, maxDelay)
			return nil
		})
	}
	g.Wait()

	sent, received, failed, avgUs := stats.snapshot()
	expected := sent * int64(numClients-1)
	delivery := 0.0
	if expected > 0 {
		delivery = float64(received) / float64(expected) * 100
	}
	logger.Info("load test finished",
		zap.Int64("sent", sent),
		zap.Int64("send_failures", failed),
		zap.Int64("received", received),
		zap.Float64("delivery_percent", delivery),
		zap.Float64("avg_latency_ms", avgUs/1000),
		zap.Int64("connection_errors", stats.connectionErrors.Load()),
		zap.Int64("disconnections", stats.disconnections.Load()))
	return nil
}

func reportStats(ctx context.Context, logger *zap.Logger, stats *Stats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			sent, received, failed, avgUs := stats.snapshot()
			elapsed := time.Since(start).Seconds()
			logger.Info("progress",
				zap.Int64("sent", sent),
				zap.Float64("sent_per_second", float64(sent)/elapsed),
				zap.Int64("received", received),
				zap.Int64("failed", failed),
				zap.Float64("avg_latency_ms", avgUs/1000))
		case <-ctx.Done():
			return
		}
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
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
