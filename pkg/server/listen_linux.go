//go:build linux

package server

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// logListenBacklog logs the kernel's listen backlog limit
func logListenBacklog(logger *zap.Logger, addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	logger.Info("client listener ready", zap.String("addr", addr), zap.Int("somaxconn", somaxconn))
	if somaxconn > 0 && somaxconn < 1024 {
		logger.Warn("net.core.somaxconn may be too low for bursts of logins",
			zap.Int("somaxconn", somaxconn),
			zap.String("hint", "sudo sysctl -w net.core.somaxconn=65535"))
	}
}

// monitorListenOverflows reports connections the kernel dropped from a full accept queue
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastOverflows := getListenOverflows()
	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > lastOverflows {
				s.logger.Warn("connections rejected by listen backlog overflow",
					zap.Uint64("new", overflows-lastOverflows),
					zap.Uint64("total", overflows))
			}
			lastOverflows = overflows

		case <-s.ctx.Done():
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers, values []string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)
		if headers == nil {
			headers = fields[1:]
		} else {
			values = fields[1:]
			break
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
