package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"sync"
	"testing"

	"cloudnode/internal/errcode"
	"cloudnode/internal/metrics"
	"cloudnode/internal/proto"
	"cloudnode/internal/stego"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []struct {
		addr *net.UDPAddr
		msg  proto.Message
	}
	failNext bool
}

func (s *recordingSender) Send(ctx context.Context, addr *net.UDPAddr, payload []byte) error {
	if s.failNext {
		s.failNext = false
		return errors.New("send failed")
	}
	msg, err := proto.Decode(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, struct {
		addr *net.UDPAddr
		msg  proto.Message
	}{addr, msg})
	return nil
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: byte(x), G: byte(y), B: 1, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestHandleSuccessUpdatesMetricsAndReplies(t *testing.T) {
	m := metrics.New()
	sender := &recordingSender{}
	p := New(m, sender)

	env := RequestEnvelope{
		RequestID:           "r1",
		ClientEndpoint:      &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		ImageBytes:          testImage(t),
		AuthorizedUsernames: []string{"alice"},
		Quota:               3,
	}
	p.Handle(context.Background(), env)

	if got := m.InFlight(); got != 0 {
		t.Fatalf("expected in-flight to return to 0, got %d", got)
	}
	if got := m.ProcessedTotal(); got != 1 {
		t.Fatalf("expected processed total 1, got %d", got)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(sender.sent))
	}
	if !sender.sent[0].msg.Success {
		t.Fatalf("expected success response, got %+v", sender.sent[0].msg)
	}
	if len(sender.sent[0].msg.EncryptedBytes) == 0 {
		t.Fatal("expected encrypted bytes in response")
	}
}

func TestHandleFailureStillDrainsInFlight(t *testing.T) {
	m := metrics.New()
	sender := &recordingSender{}
	p := New(m, sender)

	env := RequestEnvelope{
		RequestID:           "r2",
		ClientEndpoint:      &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		ImageBytes:          []byte("not an image"),
		AuthorizedUsernames: []string{"alice"},
		Quota:               3,
	}
	p.Handle(context.Background(), env)

	if got := m.InFlight(); got != 0 {
		t.Fatalf("expected in-flight to return to 0, got %d", got)
	}
	if len(sender.sent) != 1 || sender.sent[0].msg.Success {
		t.Fatalf("expected a single failure response, got %+v", sender.sent)
	}
	if sender.sent[0].msg.Error == "" {
		t.Fatal("expected an error code on the wire response")
	}
}

func TestHandleSendFailureStillDrainsInFlight(t *testing.T) {
	m := metrics.New()
	sender := &recordingSender{failNext: true}
	p := New(m, sender)

	env := RequestEnvelope{
		RequestID:           "r3",
		ClientEndpoint:      &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		ImageBytes:          testImage(t),
		AuthorizedUsernames: []string{"alice"},
		Quota:               1,
	}
	p.Handle(context.Background(), env)

	if got := m.InFlight(); got != 0 {
		t.Fatalf("expected in-flight to return to 0 even when send fails, got %d", got)
	}
}

func TestHandleDecryptionRoundTripsAndDecrementsQuota(t *testing.T) {
	m := metrics.New()
	sender := &recordingSender{}
	p := New(m, sender)

	encrypted, err := stego.Encrypt(context.Background(), testImage(t), []string{"alice", "bob"}, 3)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	env := DecryptionEnvelope{
		RequestID:      "d1",
		ClientEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		ClientUsername: "alice",
		EncryptedBytes: encrypted,
	}
	p.HandleDecryption(context.Background(), env)

	if got := m.InFlight(); got != 0 {
		t.Fatalf("decryption must never touch in-flight, got %d", got)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(sender.sent))
	}
	resp := sender.sent[0].msg
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.Quota != 2 {
		t.Fatalf("expected quota decremented to 2, got %d", resp.Quota)
	}
	if len(resp.ImageBytes) == 0 {
		t.Fatal("expected decrypted image bytes in response")
	}
}

func TestHandleDecryptionRejectsUnauthorizedUsername(t *testing.T) {
	m := metrics.New()
	sender := &recordingSender{}
	p := New(m, sender)

	encrypted, err := stego.Encrypt(context.Background(), testImage(t), []string{"alice"}, 3)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	env := DecryptionEnvelope{
		RequestID:      "d2",
		ClientEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		ClientUsername: "mallory",
		EncryptedBytes: encrypted,
	}
	p.HandleDecryption(context.Background(), env)

	if len(sender.sent) != 1 || sender.sent[0].msg.Success {
		t.Fatalf("expected a failure response, got %+v", sender.sent)
	}
	if sender.sent[0].msg.Error != errcode.Unauthorized.String() {
		t.Fatalf("expected unauthorized error, got %q", sender.sent[0].msg.Error)
	}
}

func TestConcurrentRequestsSettleToZeroInFlight(t *testing.T) {
	m := metrics.New()
	sender := &recordingSender{}
	p := New(m, sender)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := RequestEnvelope{
				RequestID:           "concurrent",
				ClientEndpoint:      &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
				ImageBytes:          testImage(t),
				AuthorizedUsernames: []string{"alice"},
				Quota:               1,
			}
			p.Handle(context.Background(), env)
		}(i)
	}
	wg.Wait()

	if got := m.InFlight(); got != 0 {
		t.Fatalf("expected in-flight to settle to 0, got %d", got)
	}
}
