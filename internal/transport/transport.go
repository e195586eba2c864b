// Package transport implements C1 (datagram I/O) and C2 (chunked transport):
// a single UDP socket, fragmentation of oversized logical messages,
// reassembly with selective retransmission, and a bounded outbound cache
// of recently sent chunks.
package transport

import (
	"context"
	"fmt"
	"net"

	"cloudnode/internal/debuglog"
	"cloudnode/internal/metrics"
)

// Transport owns the UDP socket for one node and turns arbitrary byte
// payloads into reliably-delivered logical messages across an unreliable
// datagram network.
type Transport struct {
	sock        *socket
	outbound    *outboundCache
	reassembler *reassembler
	metrics     *metrics.Metrics
	stop        chan struct{}
}

// New binds a UDP socket at bind and wires up the chunking and reassembly
// state. onMessage is invoked once per fully reassembled (or single-
// packet) logical message, from a goroutine, and must not block.
func New(bind *net.UDPAddr, m *metrics.Metrics, onMessage func(from *net.UDPAddr, payload []byte)) (*Transport, error) {
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", bind, err)
	}
	sock := newSocket(conn)
	outbound := newOutboundCache(m)
	t := &Transport{
		sock:     sock,
		outbound: outbound,
		metrics:  m,
		stop:     make(chan struct{}),
	}
	t.reassembler = newReassembler(sock, outbound, m, onMessage)
	return t, nil
}

// LocalAddr returns the bound UDP endpoint.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.sock.localAddr()
}

// Run drives the receive loop until ctx is canceled. It must not be called
// more than once. Each datagram is dispatched from its own goroutine so a
// slow handler never stalls the receive loop (spec.md §4.1).
func (t *Transport) Run(ctx context.Context) {
	go t.outbound.runEvictionLoop(t.stop)
	go t.reassembler.runSweepLoop(t.stop)

	batch := make([]datagram, receiveBatchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
		}
		n, err := t.sock.readBatch(batch)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			default:
			}
			debuglog.Debugf("transport: read error: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			dgram := batch[i]
			go t.dispatch(dgram.from, dgram.data)
		}
	}
}

func (t *Transport) dispatch(from *net.UDPAddr, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		debuglog.Debugf("transport: undecodable datagram from %s: %v", from, err)
		return
	}
	switch env.Kind {
	case kindSingle:
		t.reassembler.handleSingle(from, env.Payload)
	case kindFragment:
		t.reassembler.handleFragment(from, env)
	case kindRetransmit:
		t.reassembler.handleRetransmit(from, env)
	default:
		debuglog.Debugf("transport: unknown envelope kind %q from %s", env.Kind, from)
	}
}

// Send delivers payload to addr, fragmenting it if necessary. It returns
// once every fragment has been handed to the socket; the caller's task
// suspends across the pacing delay between fragments (spec.md §5).
func (t *Transport) Send(_ context.Context, addr *net.UDPAddr, payload []byte) error {
	return t.outbound.send(t.sock, addr, payload)
}

// Close releases the socket and stops background loops.
func (t *Transport) Close() error {
	close(t.stop)
	return t.sock.close()
}
