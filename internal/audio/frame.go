package audio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrShortFrame = errors.New("short audio frame")

// maxFrameMeta bounds the metadata header of an enveloped frame.
const maxFrameMeta = 64 << 10

// EncodeFrame packs metadata and payload into one binary message:
// 4-byte big-endian metadata length, metadata JSON, payload.
func EncodeFrame(meta any, payload []byte) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode frame metadata: %w", err)
	}
	if len(header) > maxFrameMeta {
		return nil, fmt.Errorf("frame metadata too large: %d bytes", len(header))
	}
	out := make([]byte, 4+len(header)+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(header)))
	copy(out[4:], header)
	copy(out[4+len(header):], payload)
	return out, nil
}

// DecodeFrame splits an enveloped frame and unmarshals its metadata into meta.
func DecodeFrame(b []byte, meta any) ([]byte, error) {
	if len(b) < 4 {
		return nil, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	if n > maxFrameMeta || 4+n > len(b) {
		return nil, fmt.Errorf("%w: header length %d exceeds frame of %d bytes", ErrShortFrame, n, len(b))
	}
	if err := json.Unmarshal(b[4:4+n], meta); err != nil {
		return nil, fmt.Errorf("decode frame metadata: %w", err)
	}
	return b[4+n:], nil
}
