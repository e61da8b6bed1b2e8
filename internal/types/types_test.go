package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var p Pubkey
	copy(p[:], pub)

	parsed, err := PubkeyFromBase58(p.String())
	if err != nil {
		t.Fatalf("PubkeyFromBase58: %v", err)
	}
	if parsed != p {
		t.Errorf("got %s, want %s", parsed, p)
	}
}

func TestPubkeyFromBase58Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid alphabet", "0OIl"},
		{"too short", "11111111"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PubkeyFromBase58(tt.input); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

func TestSystemProgramPubkeyIsZero(t *testing.T) {
	p := MustPubkeyFromBase58("11111111111111111111111111111111")
	if !p.IsZero() {
		t.Errorf("system program id should decode to zero bytes, got %x", p[:])
	}
}

func TestSignatureText(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sig, err := SignatureFromBytes(ed25519.Sign(priv, []byte("transfer")))
	if err != nil {
		t.Fatalf("SignatureFromBytes: %v", err)
	}

	parsed, err := SignatureFromBase58(sig.String())
	if err != nil {
		t.Fatalf("SignatureFromBase58: %v", err)
	}
	if parsed != sig {
		t.Error("base58 round trip changed the signature")
	}

	data, err := json.Marshal(map[string]Signature{"signature": sig})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]Signature
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["signature"] != sig {
		t.Error("json round trip changed the signature")
	}

	var bad Signature
	if err := bad.UnmarshalText([]byte("abc")); err == nil {
		t.Error("expected error for short signature")
	}
}

func TestHashFromBase58(t *testing.T) {
	var h Hash
	h[0] = 7
	parsed, err := HashFromBase58(h.String())
	if err != nil {
		t.Fatalf("HashFromBase58: %v", err)
	}
	if parsed != h {
		t.Errorf("got %s, want %s", parsed, h)
	}
	if _, err := HashFromBase58("abc"); err == nil {
		t.Error("expected error for short hash")
	}
}
