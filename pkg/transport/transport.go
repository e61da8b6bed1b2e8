// Package transport delivers serialized transactions to a validator's TPU
// ingress, either as single UDP datagrams or as QUIC unidirectional streams.
package transport

import (
	"context"
	"errors"
)

// Transport errors.
var (
	ErrClosed       = errors.New("transport connection closed")
	ErrEmptyPayload = errors.New("empty payload")
)

// Conn is a connection to one TPU endpoint. Send is safe for concurrent use.
type Conn interface {
	// Send hands payload to the transport. A nil error means the transport
	// accepted the bytes, not that the validator received them.
	Send(ctx context.Context, payload []byte) error

	// RemoteAddr returns the endpoint address as dialed.
	RemoteAddr() string

	Close() error
}

// Dialer opens connections to TPU endpoints.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
