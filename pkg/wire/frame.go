package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameHeaderSize is the big-endian uint32 length prefix.
const frameHeaderSize = 4

// Status bytes written in reply to a frame.
const (
	StatusRejected byte = 0
	StatusAccepted byte = 1
)

// ErrFrameTooLarge is returned when a frame header announces more than the
// reader allows. The body is not read.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame. The length is checked against
// maxSize before any of the body is read, so a hostile header cannot force a
// large allocation.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, ErrEmpty
	}
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// WriteFrame writes b with its length prefix.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) == 0 {
		return ErrEmpty
	}

	buf := make([]byte, frameHeaderSize+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[frameHeaderSize:], b)

	_, err := w.Write(buf)
	return err
}
