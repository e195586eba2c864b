package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cloudnode/internal/debuglog"
	"cloudnode/internal/metrics"
	"cloudnode/internal/proto"
)

// outboundChunk is C2's ChunkRecord: the fragments of one sent logical
// message, retained so a RetransmitRequest can be served without
// recomputation.
type outboundChunk struct {
	fragments [][]byte // pre-encoded wire envelopes, one per fragment index
	createdAt time.Time
}

type outboundCache struct {
	mu      sync.Mutex
	chunks  map[uint64]*outboundChunk
	nextID  atomic.Uint64
	metrics *metrics.Metrics
}

func newOutboundCache(m *metrics.Metrics) *outboundCache {
	return &outboundCache{chunks: make(map[uint64]*outboundChunk), metrics: m}
}

// send serializes payload into one or more fragments and writes them all
// (with a pacing delay between fragments). A multi-fragment chunk is
// retained for the retention window so a retransmit request can be served;
// a message that fits in a single datagram is sent once and not retained.
func (c *outboundCache) send(sock *socket, addr *net.UDPAddr, payload []byte) error {
	frame, err := proto.EncodeFrame(payload)
	if err != nil {
		return err
	}
	if len(frame) <= MaxFragmentPayload {
		env, err := encodeEnvelope(wireEnvelope{Kind: kindSingle, Payload: frame})
		if err != nil {
			return err
		}
		if err := sock.writeTo(env, addr); err != nil {
			return err
		}
		c.metrics.AddFragmentsSent(1)
		return nil
	}

	total := (len(frame) + MaxFragmentPayload - 1) / MaxFragmentPayload
	chunkID := c.nextID.Add(1)
	fragments := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * MaxFragmentPayload
		end := start + MaxFragmentPayload
		if end > len(frame) {
			end = len(frame)
		}
		env, err := encodeEnvelope(wireEnvelope{
			Kind:           kindFragment,
			ChunkID:        chunkID,
			FragmentIndex:  uint32(i),
			TotalFragments: uint32(total),
			Payload:        frame[start:end],
		})
		if err != nil {
			return err
		}
		fragments[i] = env
	}

	c.mu.Lock()
	c.chunks[chunkID] = &outboundChunk{fragments: fragments, createdAt: time.Now()}
	c.mu.Unlock()

	for i, frag := range fragments {
		if err := sock.writeTo(frag, addr); err != nil {
			return err
		}
		c.metrics.AddFragmentsSent(1)
		if i != len(fragments)-1 {
			time.Sleep(FragmentPacingDelay)
		}
	}
	debuglog.Debugf("transport: sent chunk %d as %d fragments to %s", chunkID, total, addr)
	return nil
}

// retransmit resends exactly the requested fragment indices of a
// previously sent chunk. Unknown chunk ids (evicted or never sent by us)
// are silently ignored; the requester's own timeout will fire.
func (c *outboundCache) retransmit(sock *socket, addr *net.UDPAddr, chunkID uint64, missing []uint32) {
	c.mu.Lock()
	chunk, ok := c.chunks[chunkID]
	c.mu.Unlock()
	if !ok {
		debuglog.Debugf("transport: retransmit request for unknown chunk %d from %s", chunkID, addr)
		return
	}
	for _, idx := range missing {
		if int(idx) >= len(chunk.fragments) {
			continue
		}
		if err := sock.writeTo(chunk.fragments[idx], addr); err != nil {
			debuglog.Debugf("transport: retransmit send failed for chunk %d frag %d: %v", chunkID, idx, err)
			continue
		}
		c.metrics.IncFragmentsRetransmitted()
	}
}

// evictExpired drops chunks older than ChunkRetention. Time-bounded, not
// count-bounded, per spec.md §4.2/§5.
func (c *outboundCache) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, chunk := range c.chunks {
		if now.Sub(chunk.createdAt) > ChunkRetention {
			delete(c.chunks, id)
		}
	}
}

func (c *outboundCache) runEvictionLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(ChunkRetention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.evictExpired(now)
		}
	}
}
