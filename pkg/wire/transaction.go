// Package wire validates signed transactions at the process boundary and
// frames them for the length-prefixed ingress.
//
// The broadcaster treats transactions as opaque bytes. This package only
// checks what must hold before those bytes are accepted: the packet fits in a
// single TPU datagram, the signature section is well formed, and at least one
// signature is present so the transaction can be identified in logs and
// replies.
package wire

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Sender/internal/types"
)

// PacketDataSize is the largest serialized transaction a TPU accepts
// (IPv6 minimum MTU minus IP and UDP headers).
const PacketDataSize = 1232

// messageHeaderSize is the legacy message header (three u8 counters). A
// versioned message carries a prefix byte in front of it.
const messageHeaderSize = 3

// Boundary errors.
var (
	// ErrEmpty is returned for a zero-length payload.
	ErrEmpty = errors.New("empty transaction")

	// ErrTooLarge is returned for payloads above PacketDataSize.
	ErrTooLarge = errors.New("transaction exceeds packet data size")

	// ErrMalformed is returned when the signature section cannot be decoded.
	ErrMalformed = errors.New("malformed transaction")

	// ErrNoSignatures is returned when the transaction declares zero signatures.
	ErrNoSignatures = errors.New("transaction has no signatures")
)

// Transaction is a validated, signed, serialized transaction.
//
// The bytes are copied on Parse and never modified afterwards, so a
// Transaction may be shared between goroutines.
type Transaction struct {
	raw        []byte
	signatures []types.Signature
	msgOffset  int
}

// Parse validates b and returns a Transaction owning a private copy of it.
func Parse(b []byte) (*Transaction, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	if len(b) > PacketDataSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b), PacketDataSize)
	}

	count, n, err := decodeCompactU16(b)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoSignatures
	}

	msgOffset := n + count*types.SignatureSize
	if msgOffset+messageHeaderSize > len(b) {
		return nil, fmt.Errorf("%w: %d signatures do not fit in %d bytes", ErrMalformed, count, len(b))
	}

	raw := make([]byte, len(b))
	copy(raw, b)

	sigs := make([]types.Signature, count)
	for i := range sigs {
		off := n + i*types.SignatureSize
		copy(sigs[i][:], raw[off:off+types.SignatureSize])
	}

	return &Transaction{
		raw:        raw,
		signatures: sigs,
		msgOffset:  msgOffset,
	}, nil
}

// Bytes returns the serialized transaction. Callers must not modify it.
func (t *Transaction) Bytes() []byte {
	return t.raw
}

// Len returns the serialized size in bytes.
func (t *Transaction) Len() int {
	return len(t.raw)
}

// Signature returns the first signature, which identifies the transaction.
func (t *Transaction) Signature() types.Signature {
	return t.signatures[0]
}

// Signatures returns a copy of all signatures.
func (t *Transaction) Signatures() []types.Signature {
	out := make([]types.Signature, len(t.signatures))
	copy(out, t.signatures)
	return out
}

// Message returns the signed message bytes that follow the signatures.
func (t *Transaction) Message() []byte {
	return t.raw[t.msgOffset:]
}

// decodeCompactU16 reads Solana's compact-u16 (1-3 byte little-endian
// base-128) length prefix and returns the value and bytes consumed.
func decodeCompactU16(b []byte) (int, int, error) {
	var value int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated signature count", ErrMalformed)
		}
		elem := int(b[i])
		if i == 2 && elem > 0x03 {
			return 0, 0, fmt.Errorf("%w: signature count overflows u16", ErrMalformed)
		}
		value |= (elem & 0x7f) << (7 * i)
		if elem&0x80 == 0 {
			// Reject non-canonical encodings such as 0x80 0x00.
			if i > 0 && elem == 0 {
				return 0, 0, fmt.Errorf("%w: non-canonical signature count", ErrMalformed)
			}
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: signature count too long", ErrMalformed)
}
