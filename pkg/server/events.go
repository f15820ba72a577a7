package server

import (
	"time"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// EventType identifies what happened
type EventType uint8

const (
	EventSessionOpened EventType = iota + 1
	EventSessionClosed
	EventPeerRegistered
	EventPeerUnregistered
	EventMessageRouted
	EventAudioStored
)

func (t EventType) String() string {
	switch t {
	case EventSessionOpened:
		return "session_opened"
	case EventSessionClosed:
		return "session_closed"
	case EventPeerRegistered:
		return "peer_registered"
	case EventPeerUnregistered:
		return "peer_unregistered"
	case EventMessageRouted:
		return "message_routed"
	case EventAudioStored:
		return "audio_stored"
	default:
		return "unknown"
	}
}

// Route is the delivery path the router chose for a message
type Route string

const (
	RouteLocalUser    Route = "local_user"
	RouteLocalChannel Route = "local_channel"
	RouteFederation   Route = "federation"
	RouteFederatedIn  Route = "federated_in"
)

// Event is a notification for embedders and tests. Only the fields relevant
// to Type are set.
type Event struct {
	Type     EventType
	Time     time.Time
	Username string
	Peer     string
	Route    Route
	Message  *protocol.ChatMessage
	FileName string
}

// EventSink receives server events. Emit must not block.
type EventSink interface {
	Emit(Event)
}

// NopSink discards events
type NopSink struct{}

func (NopSink) Emit(Event) {}

// ChannelSink buffers events on a channel and drops them when the buffer is full
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink holding up to size undelivered events
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case s.ch <- e:
	default:
	}
}

// Events returns the receive side of the sink
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}
