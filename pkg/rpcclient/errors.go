package rpcclient

import (
	"context"
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when the client has no endpoints configured.
	ErrNoEndpoints = errors.New("no RPC endpoints configured")

	// ErrClosed is returned when operating on a closed client.
	ErrClosed = errors.New("rpc client is closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("rpc client already started")

	// ErrEmptyResult is returned when a method returned null where a value
	// was required.
	ErrEmptyResult = errors.New("empty RPC result")
)

// JSON-RPC error codes returned by Solana-compatible nodes.
const (
	CodeInvalidParams        = -32602
	CodeMethodNotFound       = -32601
	CodeInternalError        = -32603
	CodeNodeUnhealthy        = -32005
	CodeBlockNotAvailable    = -32004
	CodeMinContextSlotNotMet = -32016
)

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsRetryable returns true if the error is likely transient and worth
// retrying against the same or another endpoint.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNoEndpoints) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeNodeUnhealthy, CodeBlockNotAvailable, CodeInternalError, CodeMinContextSlotNotMet:
			return true
		default:
			return false
		}
	}

	// Transport and decoding failures are potentially transient.
	return true
}
