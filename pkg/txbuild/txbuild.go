// Package txbuild builds and signs the demo transfer sent by the CLI.
//
// The broadcaster itself never looks inside a transaction; this package is
// only the client side of the demo flow: import a keypair, build a system
// transfer against a recent blockhash, sign it and serialize it.
package txbuild

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/fortiblox/X1-Sender/internal/types"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// LamportsPerSOL is the number of lamports in one SOL (or XNT on X1).
const LamportsPerSOL = 1_000_000_000

// Builder errors.
var (
	// ErrInvalidKeypair is returned for keys that are not a 64-byte ed25519
	// keypair.
	ErrInvalidKeypair = errors.New("invalid keypair")

	// ErrZeroAmount is returned for a transfer of zero lamports.
	ErrZeroAmount = errors.New("transfer amount must be positive")

	// ErrNoBlockhash is returned when no recent blockhash is given.
	ErrNoBlockhash = errors.New("recent blockhash required")
)

// ImportKeypair parses a keypair in either base58 (wallet export) or JSON
// byte-array (keygen file) form.
func ImportKeypair(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKeypair)
	}

	var key solana.PrivateKey
	if strings.HasPrefix(s, "[") {
		var raw []byte
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeypair, err)
		}
		key = raw
	} else {
		k, err := solana.PrivateKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeypair, err)
		}
		key = k
	}

	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidKeypair, len(key), ed25519.PrivateKeySize)
	}
	// The public half must match the seed.
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived, key) {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrInvalidKeypair)
	}
	return key, nil
}

// LoadKeypairFile reads a keypair file in either supported form.
func LoadKeypairFile(path string) (solana.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	return ImportKeypair(string(b))
}

// Transfer describes a system transfer.
type Transfer struct {
	From     solana.PrivateKey
	To       solana.PublicKey
	Lamports uint64

	// RecentBlockhash is the blockhash the transaction is signed against.
	RecentBlockhash types.Hash
}

// Built is a signed transfer ready for broadcast.
type Built struct {
	Signature types.Signature
	Raw       []byte
}

// BuildTransfer builds, signs and serializes t. The result has been run
// through wire.Parse, so it is known to fit in a single packet.
func BuildTransfer(t Transfer) (*Built, error) {
	if len(t.From) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeypair
	}
	if t.Lamports == 0 {
		return nil, ErrZeroAmount
	}
	if t.RecentBlockhash.IsZero() {
		return nil, ErrNoBlockhash
	}

	payer := t.From.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(t.Lamports, payer, t.To).Build(),
		},
		solana.Hash(t.RecentBlockhash),
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &t.From
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	parsed, err := wire.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("validate transaction: %w", err)
	}

	return &Built{Signature: parsed.Signature(), Raw: parsed.Bytes()}, nil
}

// ParseAmount converts a decimal SOL amount such as "0.001" to lamports.
func ParseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > 9 {
		return 0, fmt.Errorf("invalid amount %q: more than 9 decimals", s)
	}

	var w, f uint64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		w = w*10 + uint64(c-'0')
		if w > 18_000_000_000 {
			return 0, fmt.Errorf("invalid amount %q: too large", s)
		}
	}
	frac += strings.Repeat("0", 9-len(frac))
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		f = f*10 + uint64(c-'0')
	}
	return w*LamportsPerSOL + f, nil
}
