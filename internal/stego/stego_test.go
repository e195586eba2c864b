package stego

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"cloudnode/internal/errcode"
)

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: byte((x * 7) % 256),
				G: byte((y * 13) % 256),
				B: byte((x + y) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	src := testImage(t, 64, 64)
	usernames := []string{"alice", "bob"}
	quota := 5

	encrypted, err := Encrypt(context.Background(), src, usernames, quota)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decoded, meta, err := Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(meta.Usernames) != 2 || meta.Usernames[0] != "alice" || meta.Usernames[1] != "bob" {
		t.Fatalf("unexpected metadata usernames: %+v", meta)
	}
	if meta.Quota != quota {
		t.Fatalf("expected quota %d, got %d", quota, meta.Quota)
	}

	// Pixel-for-pixel comparison against the original source pixels.
	origPixels, err := decodeToRGBBuffer(src)
	if err != nil {
		t.Fatalf("decode original: %v", err)
	}
	gotPixels, err := decodeToRGBBuffer(decoded)
	if err != nil {
		t.Fatalf("decode recovered: %v", err)
	}
	if len(origPixels.pixels) != len(gotPixels.pixels) {
		t.Fatalf("pixel buffer length mismatch: %d vs %d", len(origPixels.pixels), len(gotPixels.pixels))
	}
	for i := range origPixels.pixels {
		if origPixels.pixels[i] != gotPixels.pixels[i] {
			t.Fatalf("pixel mismatch at byte %d: got %d want %d", i, gotPixels.pixels[i], origPixels.pixels[i])
		}
	}
}

func TestSeedDeterminism(t *testing.T) {
	s1 := deriveSeed([]string{"a", "b"}, 5)
	s2 := deriveSeed([]string{"a", "b"}, 5)
	if s1 != s2 {
		t.Fatal("expected identical seed for identical (usernames, quota)")
	}
	s3 := deriveSeed([]string{"a", "c"}, 5)
	if s1 == s3 {
		t.Fatal("expected different seed for different usernames")
	}
}

func TestPermutationRoundTrip(t *testing.T) {
	buf := make([]byte, 5000)
	for i := range buf {
		buf[i] = byte(i)
	}
	original := append([]byte(nil), buf...)

	permuteForward(buf, 0xDEADBEEF)
	if bytes.Equal(buf, original) {
		t.Fatal("expected permutation to change the buffer")
	}
	permuteInverse(buf, 0xDEADBEEF)
	if !bytes.Equal(buf, original) {
		t.Fatal("expected inverse permutation to restore the original buffer")
	}
}

func TestCapacityExceeded(t *testing.T) {
	src := testImage(t, 2, 2) // 12 pixel bytes, far too small for metadata
	_, err := Encrypt(context.Background(), src, []string{"alice", "bob", "carol"}, 5)
	if err == nil {
		t.Fatal("expected capacity error")
	}
	var stegoErr *Error
	if !asStegoError(err, &stegoErr) || stegoErr.Code != errcode.CapacityExceeded {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestDecodeMalformedImage(t *testing.T) {
	_, err := Encrypt(context.Background(), []byte("not an image"), []string{"alice"}, 1)
	if err == nil {
		t.Fatal("expected decode error")
	}
	var stegoErr *Error
	if !asStegoError(err, &stegoErr) || stegoErr.Code != errcode.Decode {
		t.Fatalf("expected Decode, got %v", err)
	}
}

func TestAuthorizationAndQuota(t *testing.T) {
	meta := Metadata{Usernames: []string{"alice", "bob"}, Quota: 2}
	if !IsAuthorized(meta, "alice") || !IsAuthorized(meta, "bob") {
		t.Fatal("expected alice and bob to be authorized")
	}
	if IsAuthorized(meta, "carol") {
		t.Fatal("expected carol to be unauthorized")
	}
	if !DecrementQuota(&meta) || meta.Quota != 1 {
		t.Fatalf("expected quota to drop to 1, got %d", meta.Quota)
	}
	if !DecrementQuota(&meta) || meta.Quota != 0 {
		t.Fatalf("expected quota to drop to 0, got %d", meta.Quota)
	}
	if DecrementQuota(&meta) {
		t.Fatal("expected quota exhausted")
	}
}

func asStegoError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
