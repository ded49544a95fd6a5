package transport

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrNotConnected        = errors.New("not connected")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrOutboxFull          = errors.New("outbox full")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrClosed              = errors.New("transport closed")
	ErrStreamNotConfigured = errors.New("stream not configured")
)

// RemoteError is an error reply sent by a peer or the hub.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "remote error: " + e.Message
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}
