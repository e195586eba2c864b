package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"cloudnode/internal/metrics"
)

func mustLoopback(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return addr
}

func TestSendReceiveSmallMessage(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	got := make(chan struct{}, 1)

	m := metrics.New()
	recv, err := New(mustLoopback(t), m, func(from *net.UDPAddr, payload []byte) {
		mu.Lock()
		received = payload
		mu.Unlock()
		got <- struct{}{}
	})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	defer recv.Close()

	sender, err := New(mustLoopback(t), metrics.New(), func(*net.UDPAddr, []byte) {})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	defer sender.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recv.Run(ctx)

	payload := []byte("hello world")
	if err := sender.Send(ctx, recv.LocalAddr(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(payload) {
		t.Fatalf("got %q want %q", received, payload)
	}
}

func TestSendReceiveLargeMessageFragments(t *testing.T) {
	got := make(chan []byte, 1)

	m := metrics.New()
	recv, err := New(mustLoopback(t), m, func(from *net.UDPAddr, payload []byte) {
		got <- payload
	})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	defer recv.Close()

	sender, err := New(mustLoopback(t), metrics.New(), func(*net.UDPAddr, []byte) {})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	defer sender.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recv.Run(ctx)

	payload := make([]byte, MaxFragmentPayload*3+1234)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := sender.Send(ctx, recv.LocalAddr(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case p := <-got:
		if len(p) != len(payload) {
			t.Fatalf("got %d bytes, want %d", len(p), len(payload))
		}
		for i := range p {
			if p[i] != payload[i] {
				t.Fatalf("byte mismatch at %d", i)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}

	snap := m.Snapshot()
	if snap.FragmentsSent != 0 {
		t.Fatalf("receiver should not have sent fragments, got %d", snap.FragmentsSent)
	}
}

func TestReassemblerDropsDuplicateFragmentsAfterCompletion(t *testing.T) {
	m := metrics.New()
	r := newReassembler(nil, newOutboundCache(m), m, func(*net.UDPAddr, []byte) {})
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}

	frame := []byte{0, 0, 0, 3, 'a', 'b', 'c'} // manually-framed 3-byte payload
	r.handleFragment(addr, wireEnvelope{Kind: kindFragment, ChunkID: 1, FragmentIndex: 0, TotalFragments: 1, Payload: frame})

	key := reassemblyKey{addr: addr.String(), chunkID: 1}
	r.mu.Lock()
	_, stillOpen := r.buffers[key]
	_, completed := r.completed[key]
	r.mu.Unlock()
	if stillOpen {
		t.Fatal("buffer should be removed after completion")
	}
	if !completed {
		t.Fatal("chunk should be remembered as completed")
	}

	// A duplicate/delayed fragment must not panic or re-deliver.
	r.handleFragment(addr, wireEnvelope{Kind: kindFragment, ChunkID: 1, FragmentIndex: 0, TotalFragments: 1, Payload: frame})
}

func TestOutboundCacheRetransmitUnknownChunkIsSilent(t *testing.T) {
	m := metrics.New()
	c := newOutboundCache(m)
	conn, err := net.ListenUDP("udp", mustLoopback(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	sock := newSocket(conn)
	// Should not panic even though chunk 42 was never sent.
	c.retransmit(sock, mustLoopback(t), 42, []uint32{0, 1})
}
