// Package stego implements C5, the encryption engine: LSB metadata
// embedding followed by a deterministic, reversible pixel permutation.
// This is obfuscation, not cryptography (spec.md §1 Non-goals) — anyone
// who knows the scheme and the metadata can invert it, which is exactly
// what Decrypt does.
package stego

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/crypto/sha3"

	"cloudnode/internal/errcode"
)

// Metadata is the access-control payload embedded into every encrypted
// image.
type Metadata struct {
	Usernames []string `json:"usernames"`
	Quota     int      `json:"quota"`
}

// Error wraps a stego failure with the machine-readable error kind that
// belongs on the wire (spec.md §7).
type Error struct {
	Code errcode.Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func fail(code errcode.Code, err error) *Error { return &Error{Code: code, Err: err} }

// outputSizeBudget is the maximum accepted encoded output size (spec.md
// §4.5 step 8 reference value).
const outputSizeBudget = 50 * 1024

// maxEncodeAttempts bounds the resize-and-retry loop: 1 initial attempt
// plus up to 3 downscales, matching MAX_RETRANSMIT_ROUNDS=3 as this
// project's standing "small bounded number" convention (DESIGN.md).
const maxEncodeAttempts = 1 + 3

// Encrypt runs the full pipeline of spec.md §4.5 and returns the encoded
// output image bytes.
func Encrypt(ctx context.Context, imageBytes []byte, usernames []string, quota int) ([]byte, error) {
	current := imageBytes
	for attempt := 0; attempt < maxEncodeAttempts; attempt++ {
		out, err := encryptOnce(ctx, current, usernames, quota)
		if err == nil {
			return out, nil
		}
		var stegoErr *Error
		if !errors.As(err, &stegoErr) || stegoErr.Code != errcode.OutputTooLarge {
			return nil, err
		}
		if attempt == maxEncodeAttempts-1 {
			return nil, err
		}
		shrunk, shrinkErr := downscale(current, len(out))
		if shrinkErr != nil {
			return nil, fail(errcode.OutputTooLarge, shrinkErr)
		}
		current = shrunk
	}
	return nil, fail(errcode.OutputTooLarge, fmt.Errorf("stego: exceeded output size budget after %d attempts", maxEncodeAttempts))
}

func encryptOnce(ctx context.Context, imageBytes []byte, usernames []string, quota int) ([]byte, error) {
	img, err := decodeToRGBBuffer(imageBytes)
	if err != nil {
		return nil, fail(errcode.Decode, err)
	}

	metaBytes, err := json.Marshal(Metadata{Usernames: usernames, Quota: quota})
	if err != nil {
		return nil, fail(errcode.Internal, err)
	}
	l := len(metaBytes)

	headerLen := 32 + 8*l
	if headerLen > len(img.pixels) {
		return nil, fail(errcode.CapacityExceeded, fmt.Errorf("need %d pixel bytes, have %d", headerLen, len(img.pixels)))
	}

	// The header pixels' original LSBs are about to be overwritten by the
	// embedded length+metadata; stash them so Decrypt can put them back
	// exactly, keeping the round trip pixel-for-pixel (spec.md P1).
	headerRestore := captureLSBs(img.pixels, headerLen)

	bitIndex := 0
	if err := embedUint32(img.pixels, &bitIndex, uint32(l)); err != nil {
		return nil, fail(errcode.CapacityExceeded, err)
	}
	if err := embedBytes(img.pixels, &bitIndex, metaBytes); err != nil {
		return nil, fail(errcode.CapacityExceeded, err)
	}

	seed := deriveSeed(usernames, quota)
	if err := yieldingPermute(ctx, img.pixels[headerLen:], seed, true); err != nil {
		return nil, fail(errcode.Internal, err)
	}

	out, err := encodePNG(img)
	if err != nil {
		return nil, fail(errcode.Internal, err)
	}
	// headerRestore rides along as a trailer after the PNG stream: the
	// standard decoder stops at the IEND chunk, so it never sees these
	// bytes, but Decrypt reads them back off the tail once it knows
	// headerLen.
	out = append(out, headerRestore...)
	if len(out) > outputSizeBudget {
		return out, fail(errcode.OutputTooLarge, fmt.Errorf("encoded output %d bytes exceeds budget %d", len(out), outputSizeBudget))
	}
	return out, nil
}

// Decrypt inverts Encrypt: it extracts the metadata from the header region,
// recomputes the seed, undoes the permutation applied to the remainder of
// the pixel buffer, and puts the header pixels' original LSBs back from the
// trailer Encrypt appended, so the result matches the source image exactly.
func Decrypt(ctx context.Context, encryptedBytes []byte) ([]byte, Metadata, error) {
	img, err := decodeToRGBBuffer(encryptedBytes)
	if err != nil {
		return nil, Metadata{}, fail(errcode.Decode, err)
	}

	bitIndex := 0
	l32, err := extractUint32(img.pixels, &bitIndex)
	if err != nil {
		return nil, Metadata{}, fail(errcode.Decode, err)
	}
	l := int(l32)
	if l <= 0 || 32+8*l > len(img.pixels) {
		return nil, Metadata{}, fail(errcode.Decode, fmt.Errorf("invalid embedded metadata length %d", l))
	}

	metaBytes := make([]byte, l)
	if err := extractBytes(img.pixels, &bitIndex, metaBytes); err != nil {
		return nil, Metadata{}, fail(errcode.Decode, err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, Metadata{}, fail(errcode.Decode, err)
	}

	headerLen := 32 + 8*l
	restoreLen := (headerLen + 7) / 8
	if restoreLen > len(encryptedBytes) {
		return nil, Metadata{}, fail(errcode.Decode, fmt.Errorf("stego: missing header restore trailer"))
	}
	headerRestore := encryptedBytes[len(encryptedBytes)-restoreLen:]

	seed := deriveSeed(meta.Usernames, meta.Quota)
	if err := yieldingPermute(ctx, img.pixels[headerLen:], seed, false); err != nil {
		return nil, Metadata{}, fail(errcode.Internal, err)
	}
	restoreLSBs(img.pixels, headerLen, headerRestore)

	out, err := encodePNG(img)
	if err != nil {
		return nil, Metadata{}, fail(errcode.Internal, err)
	}
	return out, meta, nil
}

// IsAuthorized reports whether username appears in metadata's access list.
func IsAuthorized(meta Metadata, username string) bool {
	for _, u := range meta.Usernames {
		if u == username {
			return true
		}
	}
	return false
}

// DecrementQuota decrements metadata's quota if positive, reporting
// whether the view was allowed.
func DecrementQuota(meta *Metadata) bool {
	if meta.Quota <= 0 {
		return false
	}
	meta.Quota--
	return true
}

// deriveSeed hashes the ordered username list and the quota with SHA3-256
// and takes the first 8 bytes as a big-endian uint64 — spec.md §4.5 step 6
// requires only that the hash be stable; SHA3-256 is used here the same
// way the teacher module uses it for its own stable-hash-of-structured-
// input role (DESIGN.md: internal/stego grounding).
func deriveSeed(usernames []string, quota int) uint64 {
	h := sha3.New256()
	for _, u := range usernames {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	var qbuf [8]byte
	q := uint64(quota)
	for i := 0; i < 8; i++ {
		qbuf[i] = byte(q >> (8 * (7 - i)))
	}
	h.Write(qbuf[:])
	sum := h.Sum(nil)
	var seed uint64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | uint64(sum[i])
	}
	return seed
}

// yieldingPermute applies (or inverts) the pixel permutation. The shuffle
// must run as one logical pass over the whole buffer to keep the
// permutation reversible, so cancellation is only checked at the boundary:
// a request canceled before the pass starts never begins it, matching
// spec.md §5's requirement that the engine yield rather than block a
// worker thread on a request nobody is waiting for anymore.
func yieldingPermute(ctx context.Context, buf []byte, seed uint64, forward bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if forward {
		permuteForward(buf, seed)
	} else {
		permuteInverse(buf, seed)
	}
	return nil
}

type rgbBuffer struct {
	width, height int
	pixels        []byte // 3 bytes (R,G,B) per pixel, row-major
}

func decodeToRGBBuffer(data []byte) (*rgbBuffer, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pixels := make([]byte, w*h*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			pixels[i] = c.R
			pixels[i+1] = c.G
			pixels[i+2] = c.B
			i += 3
		}
	}
	return &rgbBuffer{width: w, height: h, pixels: pixels}, nil
}

func encodePNG(buf *rgbBuffer) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, buf.width, buf.height))
	i := 0
	for y := 0; y < buf.height; y++ {
		for x := 0; x < buf.width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: buf.pixels[i], G: buf.pixels[i+1], B: buf.pixels[i+2], A: 255})
			i += 3
		}
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// downscale shrinks the original image by the square root of the overage
// ratio (spec.md §4.5 step 8) and re-encodes it as JPEG so the next
// encryption attempt starts from a smaller source image.
func downscale(original []byte, overSizeBytes int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, err
	}
	ratio := float64(overSizeBytes) / float64(outputSizeBudget)
	if ratio < 1 {
		ratio = 1
	}
	scale := 1 / math.Sqrt(ratio)
	b := img.Bounds()
	newW := int(float64(b.Dx()) * scale)
	newH := int(float64(b.Dy()) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	scaled := nearestNeighborResize(img, newW, newH)
	var out bytes.Buffer
	if err := jpeg.Encode(&out, scaled, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func nearestNeighborResize(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
