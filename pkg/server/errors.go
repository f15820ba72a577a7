package server

import "errors"

var (
	// ErrCapacityExceeded is returned when the session table is full
	ErrCapacityExceeded = errors.New("server is at capacity")
	// ErrAlreadyLoggedIn is returned when the username already has a session here
	ErrAlreadyLoggedIn = errors.New("user is already logged in")
	// ErrAlreadyConnected is returned when a peer key is registered or being dialled
	ErrAlreadyConnected = errors.New("peer is already connected")
	// ErrPeerNotFound is returned by SendTo for unknown peer keys
	ErrPeerNotFound = errors.New("peer not found")
	// ErrHandshakeFailed wraps any failure to complete SERVER_REGISTER
	ErrHandshakeFailed = errors.New("federation handshake failed")
	// ErrSelfConnection is returned when asked to peer with our own federation address
	ErrSelfConnection = errors.New("refusing to peer with self")

	errCloseAfterReply = errors.New("connection closed after reply")
)
