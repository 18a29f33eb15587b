// Package codec implements the wire protocol's frame transport and the
// serialized message schemas carried inside each frame.
//
// Every frame on the wire is self-delimited:
//
//	u32 length (big-endian) || payload[length]
//
// The payload is an opaque, serialized message whose schema is fixed per
// endpoint (client port: ClientCommand/Reply; network port: Message/Reply).
// Encoding and decoding are pure and symmetric: decode(encode(m)) == m for
// every message variant.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize caps the length prefix so a corrupt or hostile peer
// cannot make a node allocate unbounded memory for a single frame.
const DefaultMaxFrameSize = 16 * 1024 * 1024 // 16 MiB

// ErrFrameTooLarge is returned when a frame's length prefix exceeds the
// configured cap. The caller must close the connection; the stream is no
// longer trustworthy once a bad length has been read.
var ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

// WriteFrame writes length-prefixed payload to w: one Write for the
// 4-byte header, then one for the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize. A
// maxSize of 0 uses DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return payload, nil
}
