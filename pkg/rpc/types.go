package rpc

import (
	"encoding/json"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
)

// JSONRPCVersion is the only protocol version accepted.
const JSONRPCVersion = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding is the wire encoding of a transaction parameter.
type Encoding string

const (
	EncodingBase58 Encoding = "base58"
	EncodingBase64 Encoding = "base64"
)

// SendTransactionConfig is the optional second parameter of sendTransaction.
// Preflight and retry fields are accepted for compatibility and ignored:
// the transaction goes straight to the leaders, once.
type SendTransactionConfig struct {
	Encoding            Encoding `json:"encoding,omitempty"`
	SkipPreflight       bool     `json:"skipPreflight,omitempty"`
	PreflightCommitment string   `json:"preflightCommitment,omitempty"`
	MaxRetries          *uint64  `json:"maxRetries,omitempty"`
	MinContextSlot      *uint64  `json:"minContextSlot,omitempty"`
}

// SlotConfig is the optional parameter of getSlot and getSlotLeader.
type SlotConfig struct {
	Commitment     string  `json:"commitment,omitempty"`
	MinContextSlot *uint64 `json:"minContextSlot,omitempty"`
}

// VersionInfo is the result of getVersion.
type VersionInfo struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint32 `json:"feature-set"`
}

// LeaderInfo is one entry of the /api/leaders response.
type LeaderInfo struct {
	Slot   uint64 `json:"slot"`
	Leader string `json:"leader"`
	Addr   string `json:"addr"`
}

// DeliveryFailure is attached as error data when no leader accepted a
// transaction.
type DeliveryFailure struct {
	Signature    string               `json:"signature"`
	Destinations []DestinationFailure `json:"destinations"`
}

// DestinationFailure describes one leader that did not accept a transaction.
type DestinationFailure struct {
	Leader  string            `json:"leader"`
	Slot    uint64            `json:"slot"`
	Addr    string            `json:"addr"`
	Outcome broadcast.Outcome `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}

func newDeliveryFailure(res broadcast.SubmissionResult) DeliveryFailure {
	f := DeliveryFailure{Signature: res.Signature.String()}
	for _, d := range res.Destinations {
		df := DestinationFailure{
			Leader:  d.Leader.String(),
			Slot:    d.Slot,
			Addr:    d.Addr,
			Outcome: d.Outcome,
		}
		if d.Err != nil {
			df.Error = d.Err.Error()
		}
		f.Destinations = append(f.Destinations, df)
	}
	return f
}
