package rpc

import (
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// Encoded length limits for a PacketDataSize transaction.
const (
	maxBase58Size = 1683
	maxBase64Size = 1644
)

// ParseEncoding parses an encoding string. The empty string selects base58,
// the sendTransaction default.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "base58":
		return EncodingBase58, nil
	case "base64":
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("unsupported encoding: %s", s)
	}
}

// DecodeTransaction decodes an encoded wire transaction. Oversized input is
// rejected before decoding.
func DecodeTransaction(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		if len(encoded) > maxBase58Size {
			return nil, fmt.Errorf("base58 encoded transaction too large: %d bytes (max: encoded/raw %d/%d)",
				len(encoded), maxBase58Size, wire.PacketDataSize)
		}
		return base58.Decode(encoded)

	case EncodingBase64:
		if len(encoded) > maxBase64Size {
			return nil, fmt.Errorf("base64 encoded transaction too large: %d bytes (max: encoded/raw %d/%d)",
				len(encoded), maxBase64Size, wire.PacketDataSize)
		}
		return base64.StdEncoding.DecodeString(encoded)

	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

// EncodeTransaction encodes raw transaction bytes.
func EncodeTransaction(raw []byte, encoding Encoding) (string, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Encode(raw), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
