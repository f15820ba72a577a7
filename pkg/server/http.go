package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler serves /metrics, /health and the /ws client endpoint
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

type healthPeer struct {
	Key           string   `json:"key"`
	Name          string   `json:"name"`
	Outbound      bool     `json:"outbound"`
	Users         []string `json:"users"`
	LastHeartbeat int64    `json:"last_heartbeat_ms"`
}

type healthStatus struct {
	Status         string       `json:"status"`
	Name           string       `json:"name"`
	Identity       string       `json:"identity"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	ActiveSessions int          `json:"active_sessions"`
	LocalUsers     []string     `json:"local_users"`
	Peers          []healthPeer `json:"peers"`
}

// HealthHandler reports sessions and peers as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	local := s.federation.LocalIdentity()
	health := healthStatus{
		Status:         "healthy",
		Name:           local.Name,
		Identity:       local.Key(),
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		ActiveSessions: s.sessions.Count(),
		LocalUsers:     s.sessions.ConnectedUsernames(),
		Peers:          []healthPeer{},
	}
	for _, peer := range s.federation.Peers() {
		health.Peers = append(health.Peers, healthPeer{
			Key:           peer.Key,
			Name:          peer.Info.Name,
			Outbound:      peer.Outbound,
			Users:         peer.Users,
			LastHeartbeat: peer.LastHeartbeat.UnixMilli(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Debug("failed to encode health response", zap.Error(err))
	}
}
