package stego

import "fmt"

// embedBytes writes data into the LSB of each of the next len(data)*8
// entries of buf starting at *bitIndex, most-significant-bit first within
// each byte — the same order as the original Rust implementation this project
// is grounded on (spec.md §4.5 steps 4/5; DESIGN.md's Open Question
// decision on LSB bit mapping).
func embedBytes(buf []byte, bitIndex *int, data []byte) error {
	for _, b := range data {
		for pos := 7; pos >= 0; pos-- {
			if *bitIndex >= len(buf) {
				return fmt.Errorf("stego: embed overran pixel buffer")
			}
			bit := (b >> uint(pos)) & 1
			buf[*bitIndex] = (buf[*bitIndex] &^ 1) | bit
			*bitIndex++
		}
	}
	return nil
}

func embedUint32(buf []byte, bitIndex *int, v uint32) error {
	return embedBytes(buf, bitIndex, []byte{
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}

func extractBytes(buf []byte, bitIndex *int, out []byte) error {
	for i := range out {
		var b byte
		for k := 0; k < 8; k++ {
			if *bitIndex >= len(buf) {
				return fmt.Errorf("stego: extract ran past pixel buffer")
			}
			b = (b << 1) | (buf[*bitIndex] & 1)
			*bitIndex++
		}
		out[i] = b
	}
	return nil
}

func extractUint32(buf []byte, bitIndex *int) (uint32, error) {
	var raw [4]byte
	if err := extractBytes(buf, bitIndex, raw[:]); err != nil {
		return 0, err
	}
	return uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]), nil
}

// captureLSBs packs the low bit of each of the first n bytes of buf into a
// byte slice, most-significant-bit first per output byte, mirroring
// embedBytes' bit order so the two are inverses of each other via
// restoreLSBs.
func captureLSBs(buf []byte, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if buf[i]&1 != 0 {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// restoreLSBs writes the first n bits of packed back into the low bit of
// each of the first n bytes of buf, undoing captureLSBs.
func restoreLSBs(buf []byte, n int, packed []byte) {
	for i := 0; i < n; i++ {
		bit := (packed[i/8] >> uint(7-i%8)) & 1
		buf[i] = (buf[i] &^ 1) | bit
	}
}
