package server

import (
	"github.com/aeolun/meshchat/pkg/database"
	"github.com/aeolun/meshchat/pkg/protocol"
)

// UserStore holds accounts, including placeholders for users homed on peers
type UserStore interface {
	Register(username, email, password string) (*database.User, error)
	Authenticate(email, password string) (*database.User, error)
	FindByUsername(username string) (*database.User, error)
	EnsureRemoteUser(username string) (*database.User, error)
}

// ChannelStore holds channels hosted here and memberships of channels hosted elsewhere
type ChannelStore interface {
	CreateChannel(name, creator string) (*database.Channel, error)
	AddMember(channel, username string) error
	FindChannel(name string) (*database.Channel, error)
	ChannelsForMember(username string) ([]string, error)
	AddRemoteMembership(username, channel string) error
}

// MessageStore persists routed messages
type MessageStore interface {
	SaveMessage(msg *protocol.ChatMessage) (int64, error)
	RecentMessagesFor(username string, limit int) ([]protocol.ChatMessage, error)
}

// Store is everything the server persists
type Store interface {
	UserStore
	ChannelStore
	MessageStore
}

var _ Store = (*database.DB)(nil)
