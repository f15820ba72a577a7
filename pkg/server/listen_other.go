//go:build !linux

package server

import "go.uber.org/zap"

func logListenBacklog(logger *zap.Logger, addr string) {
	logger.Info("client listener ready", zap.String("addr", addr))
}

// monitorListenOverflows has no counter to watch outside Linux
func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
