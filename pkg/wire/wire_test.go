package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransaction builds a structurally valid transaction with sigCount
// signatures and a minimal message body.
func fakeTransaction(sigCount int, fill byte) []byte {
	b := []byte{byte(sigCount)}
	for i := 0; i < sigCount; i++ {
		sig := bytes.Repeat([]byte{fill + byte(i)}, 64)
		b = append(b, sig...)
	}
	// header + one account key count + padding
	b = append(b, 1, 0, 1, 0)
	return b
}

func TestParseValid(t *testing.T) {
	raw := fakeTransaction(2, 0xA0)

	tx, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, len(raw), tx.Len())
	assert.Len(t, tx.Signatures(), 2)
	assert.Equal(t, byte(0xA0), tx.Signature()[0])
	assert.Equal(t, byte(0xA1), tx.Signatures()[1][63])
	assert.Equal(t, []byte{1, 0, 1, 0}, tx.Message())
}

func TestParseCopiesInput(t *testing.T) {
	raw := fakeTransaction(1, 0x10)

	tx, err := Parse(raw)
	require.NoError(t, err)

	raw[1] = 0xFF
	assert.Equal(t, byte(0x10), tx.Bytes()[1], "transaction must own its bytes")
	assert.Equal(t, byte(0x10), tx.Signature()[0])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrEmpty},
		{"too large", make([]byte, PacketDataSize+1), ErrTooLarge},
		{"zero signatures", []byte{0, 1, 0, 1}, ErrNoSignatures},
		{"signatures past end", append([]byte{3}, make([]byte, 100)...), ErrMalformed},
		{"truncated count", []byte{0x80}, ErrMalformed},
		{"non canonical count", append([]byte{0x81, 0x00}, make([]byte, 200)...), ErrMalformed},
		{"count overflow", []byte{0xff, 0xff, 0x04}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestDecodeCompactU16(t *testing.T) {
	tests := []struct {
		in    []byte
		value int
		n     int
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0xff, 0x7f}, 16383, 2},
		{[]byte{0x80, 0x80, 0x01}, 16384, 3},
		{[]byte{0xff, 0xff, 0x03}, 65535, 3},
	}

	for _, tt := range tests {
		value, n, err := decodeCompactU16(tt.in)
		require.NoError(t, err, "input %x", tt.in)
		assert.Equal(t, tt.value, value, "input %x", tt.in)
		assert.Equal(t, tt.n, n, "input %x", tt.in)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := fakeTransaction(1, 0x01)

	require.NoError(t, WriteFrame(&buf, payload))
	assert.Equal(t, 4+len(payload), buf.Len())

	got, err := ReadFrame(&buf, PacketDataSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = ReadFrame(&buf, PacketDataSize)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversizeWithoutReadingBody(t *testing.T) {
	hdr := []byte{0x7f, 0xff, 0xff, 0xff}
	r := bytes.NewReader(hdr)

	_, err := ReadFrame(r, PacketDataSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), PacketDataSize)
	assert.ErrorIs(t, err, ErrEmpty)

	assert.ErrorIs(t, WriteFrame(io.Discard, nil), ErrEmpty)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 8, 1, 2}), PacketDataSize)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
