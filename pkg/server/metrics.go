package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// Metrics holds the Prometheus collectors of one server. Each server owns its
// own registry so several can run in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Sessions
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter

	// Client traffic by action name
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec

	broadcastFanout *prometheus.HistogramVec
	messagesRouted  *prometheus.CounterVec

	// Federation
	federationPeers        prometheus.Gauge
	federationReceived     *prometheus.CounterVec
	federationSent         *prometheus.CounterVec
	federationSendFailures prometheus.Counter
	topologyConnects       *prometheus.CounterVec

	audioBytesStored prometheus.Counter
}

// NewMetrics registers all collectors on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_active_sessions",
			Help: "Current number of logged-in client sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_sessions_created_total",
			Help: "Total number of client sessions added",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_sessions_closed_total",
			Help: "Total number of client sessions removed",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_client_frames_received_total",
			Help: "Frames received from clients by action",
		}, []string{"action"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_client_frames_sent_total",
			Help: "Frames sent to clients by action",
		}, []string{"action"}),
		broadcastFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshchat_broadcast_fanout",
			Help:    "Number of sessions that received each broadcast",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"kind"}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_messages_routed_total",
			Help: "Chat messages routed by delivery path",
		}, []string{"route"}),
		federationPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_federation_peers",
			Help: "Current number of registered peer servers",
		}),
		federationReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_federation_frames_received_total",
			Help: "Frames received from peers by action",
		}, []string{"action"}),
		federationSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_federation_frames_sent_total",
			Help: "Frames sent to peers by action",
		}, []string{"action"}),
		federationSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_federation_send_failures_total",
			Help: "Peer writes that failed and deregistered the peer",
		}),
		topologyConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshchat_topology_connects_total",
			Help: "Outbound peer connection attempts by result",
		}, []string{"result"}),
		audioBytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_audio_bytes_stored_total",
			Help: "Bytes of audio written to the blob store",
		}),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordFrameReceived(action uint8) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(protocol.ActionName(action)).Inc()
}

func (m *Metrics) RecordFrameSent(action uint8) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(protocol.ActionName(action)).Inc()
}

// RecordBroadcastFanout records how many sessions received a broadcast of kind
func (m *Metrics) RecordBroadcastFanout(kind string, recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(kind).Observe(float64(recipients))
}

func (m *Metrics) RecordMessageRouted(route Route) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(string(route)).Inc()
}

func (m *Metrics) RecordFederationPeers(count int) {
	if m == nil {
		return
	}
	m.federationPeers.Set(float64(count))
}

func (m *Metrics) RecordFederationReceived(action uint8) {
	if m == nil {
		return
	}
	m.federationReceived.WithLabelValues(protocol.ActionName(action)).Inc()
}

func (m *Metrics) RecordFederationSent(action uint8) {
	if m == nil {
		return
	}
	m.federationSent.WithLabelValues(protocol.ActionName(action)).Inc()
}

func (m *Metrics) RecordFederationSendFailure() {
	if m == nil {
		return
	}
	m.federationSendFailures.Inc()
}

// RecordTopologyConnect counts an outbound dial; result is "connected", "skipped" or "failed"
func (m *Metrics) RecordTopologyConnect(result string) {
	if m == nil {
		return
	}
	m.topologyConnects.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAudioStored(bytes int) {
	if m == nil {
		return
	}
	m.audioBytesStored.Add(float64(bytes))
}
