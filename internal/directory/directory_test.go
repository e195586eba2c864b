package directory

import (
	"context"
	"net"
	"sync"
	"testing"

	"cloudnode/internal/proto"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []proto.Message
}

func (s *recordingSender) Send(ctx context.Context, addr *net.UDPAddr, payload []byte) error {
	msg, err := proto.Decode(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) last() proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func addr() *net.UDPAddr { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000} }

func TestSessionRegisterThenCheckUsername(t *testing.T) {
	s := &recordingSender{}
	d := New(s)
	ctx := context.Background()

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeCheckUsername, Username: "alice"})
	if !s.last().IsAvailable {
		t.Fatal("expected alice to be available before registration")
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeSessionRegister, Username: "alice"})
	if !s.last().Success {
		t.Fatal("expected registration to succeed")
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeCheckUsername, Username: "alice"})
	if s.last().IsAvailable {
		t.Fatal("expected alice to be unavailable after registration")
	}
}

func TestSendImageListAndView(t *testing.T) {
	s := &recordingSender{}
	d := New(s)
	ctx := context.Background()

	d.HandleMessage(ctx, addr(), proto.Message{
		Type:           proto.TypeSendImage,
		Username:       "alice",
		ToUsernames:    []string{"bob"},
		EncryptedBytes: []byte{1, 2, 3},
		MaxViews:       2,
	})
	sendAck := s.last()
	if !sendAck.Success || sendAck.ImageID == "" {
		t.Fatalf("expected successful send with an image id, got %+v", sendAck)
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeListImages, Username: "bob"})
	listAck := s.last()
	if len(listAck.Images) != 1 || listAck.Images[0].FromUsername != "alice" {
		t.Fatalf("expected one image from alice in bob's list, got %+v", listAck.Images)
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeViewImageRequest, Username: "bob", ImageID: sendAck.ImageID})
	view1 := s.last()
	if !view1.Success || view1.RemainingViews != 1 {
		t.Fatalf("expected first view to succeed with 1 remaining, got %+v", view1)
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeViewImageRequest, Username: "bob", ImageID: sendAck.ImageID})
	view2 := s.last()
	if !view2.Success || view2.RemainingViews != 0 {
		t.Fatalf("expected second view to succeed with 0 remaining, got %+v", view2)
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeViewImageRequest, Username: "bob", ImageID: sendAck.ImageID})
	view3 := s.last()
	if view3.Success {
		t.Fatalf("expected third view to fail once quota exhausted, got %+v", view3)
	}

	d.HandleMessage(ctx, addr(), proto.Message{Type: proto.TypeListImages, Username: "bob"})
	listAfter := s.last()
	if len(listAfter.Images) != 0 {
		t.Fatalf("expected exhausted image to drop out of the list, got %+v", listAfter.Images)
	}
}

func TestViewImageNotFound(t *testing.T) {
	s := &recordingSender{}
	d := New(s)
	d.HandleMessage(context.Background(), addr(), proto.Message{Type: proto.TypeViewImageRequest, Username: "bob", ImageID: "missing"})
	resp := s.last()
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected failure with an error message, got %+v", resp)
	}
}
