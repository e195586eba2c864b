package proto

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameSize bounds a single logical (pre-fragmentation) message.
const MaxFrameSize = 8 << 20

// EncodeFrame prefixes payload with its big-endian uint32 length, the same
// framing the teacher module uses for its length-prefixed streams, reused
// here as the format of one reassembled logical message before it is split
// into datagram-sized fragments.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("proto: empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("proto: payload too large: %d bytes", len(payload))
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// DecodeFrame strips the length prefix written by EncodeFrame and returns
// the payload, verifying the declared length matches what's present.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("proto: frame too short")
	}
	n := binary.BigEndian.Uint32(frame[:4])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("proto: invalid frame size %d", n)
	}
	rest := frame[4:]
	if uint32(len(rest)) != n {
		return nil, fmt.Errorf("proto: frame length mismatch: declared %d, have %d", n, len(rest))
	}
	return rest, nil
}
