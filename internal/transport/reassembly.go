package transport

import (
	"net"
	"sync"
	"time"

	"cloudnode/internal/debuglog"
	"cloudnode/internal/metrics"
	"cloudnode/internal/proto"
)

type reassemblyKey struct {
	addr    string
	chunkID uint64
}

// reassemblyBuffer is C2's ReassemblyBuffer: the fragments received so far
// for one in-progress chunk from one sender.
type reassemblyBuffer struct {
	mu        sync.Mutex
	fragments map[uint32][]byte
	total     uint32
	createdAt time.Time
	lastSeen  *net.UDPAddr
	rounds    int
	done      bool
}

func (b *reassemblyBuffer) complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments) == int(b.total)
}

func (b *reassemblyBuffer) missingIndices() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var missing []uint32
	for i := uint32(0); i < b.total; i++ {
		if _, ok := b.fragments[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// reassembler manages every in-progress inbound chunk plus a short memory
// of recently completed chunk ids, so delayed duplicate fragments of an
// already-delivered chunk are dropped instead of re-triggering assembly
// (spec.md I6, P7, P8).
type reassembler struct {
	mu         sync.Mutex
	buffers    map[reassemblyKey]*reassemblyBuffer
	completed  map[reassemblyKey]time.Time
	metrics    *metrics.Metrics
	onMessage  func(from *net.UDPAddr, payload []byte)
	sock       *socket
	outbound   *outboundCache
}

func newReassembler(sock *socket, outbound *outboundCache, m *metrics.Metrics, onMessage func(from *net.UDPAddr, payload []byte)) *reassembler {
	return &reassembler{
		buffers:   make(map[reassemblyKey]*reassemblyBuffer),
		completed: make(map[reassemblyKey]time.Time),
		metrics:   m,
		onMessage: onMessage,
		sock:      sock,
		outbound:  outbound,
	}
}

func (r *reassembler) handleSingle(from *net.UDPAddr, frame []byte) {
	payload, err := proto.DecodeFrame(frame)
	if err != nil {
		debuglog.Debugf("transport: bad single-packet frame from %s: %v", from, err)
		return
	}
	r.onMessage(from, payload)
}

func (r *reassembler) handleFragment(from *net.UDPAddr, env wireEnvelope) {
	key := reassemblyKey{addr: from.String(), chunkID: env.ChunkID}

	r.mu.Lock()
	if _, done := r.completed[key]; done {
		r.mu.Unlock()
		debuglog.Debugf("transport: dropping duplicate fragment for completed chunk %d from %s", env.ChunkID, from)
		return
	}
	buf, exists := r.buffers[key]
	if !exists {
		buf = &reassemblyBuffer{
			fragments: make(map[uint32][]byte),
			total:     env.TotalFragments,
			createdAt: time.Now(),
			lastSeen:  from,
		}
		r.buffers[key] = buf
		go r.watch(key)
	}
	r.mu.Unlock()

	buf.mu.Lock()
	if buf.done {
		buf.mu.Unlock()
		return
	}
	buf.fragments[env.FragmentIndex] = env.Payload
	buf.lastSeen = from
	complete := len(buf.fragments) == int(buf.total)
	buf.mu.Unlock()

	if !complete {
		return
	}
	r.finish(key, buf)
}

// finish reassembles a completed buffer's fragments in order and delivers
// the logical message, exactly once.
func (r *reassembler) finish(key reassemblyKey, buf *reassemblyBuffer) {
	buf.mu.Lock()
	if buf.done {
		buf.mu.Unlock()
		return
	}
	buf.done = true
	total := make([][]byte, buf.total)
	for i := uint32(0); i < buf.total; i++ {
		total[i] = buf.fragments[i]
	}
	buf.mu.Unlock()

	r.mu.Lock()
	delete(r.buffers, key)
	r.completed[key] = time.Now()
	r.mu.Unlock()

	var frame []byte
	for _, part := range total {
		frame = append(frame, part...)
	}
	payload, err := proto.DecodeFrame(frame)
	if err != nil {
		debuglog.Debugf("transport: reassembled frame invalid for chunk %d: %v", key.chunkID, err)
		return
	}
	r.onMessage(buf.lastSeen, payload)
}

// watch drives the retransmit-request cycle for one buffer: it waits an
// idle timeout, and if the buffer hasn't completed, requests exactly the
// missing fragments, up to MaxRetransmitRounds before giving up.
func (r *reassembler) watch(key reassemblyKey) {
	for {
		time.Sleep(ReassemblyIdleTimeout)

		r.mu.Lock()
		buf, ok := r.buffers[key]
		r.mu.Unlock()
		if !ok {
			return // already completed or already given up
		}
		if buf.complete() {
			return
		}

		buf.mu.Lock()
		buf.rounds++
		rounds := buf.rounds
		lastSeen := buf.lastSeen
		buf.mu.Unlock()

		if rounds > MaxRetransmitRounds {
			r.giveUp(key)
			return
		}

		missing := buf.missingIndices()
		env, err := encodeEnvelope(wireEnvelope{
			Kind:           kindRetransmit,
			ChunkID:        key.chunkID,
			MissingIndices: missing,
		})
		if err != nil {
			continue
		}
		if err := r.sock.writeTo(env, lastSeen); err != nil {
			debuglog.Debugf("transport: failed to send retransmit request for chunk %d: %v", key.chunkID, err)
		}
	}
}

func (r *reassembler) giveUp(key reassemblyKey) {
	r.mu.Lock()
	buf, ok := r.buffers[key]
	if ok {
		delete(r.buffers, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	buf.mu.Lock()
	buf.done = true
	buf.mu.Unlock()
	r.metrics.IncReassemblyFailed()
	debuglog.Debugf("transport: giving up on chunk %d after %d retransmit rounds", key.chunkID, MaxRetransmitRounds)
}

// handleRetransmit serves a RetransmitRequest against the outbound cache.
func (r *reassembler) handleRetransmit(from *net.UDPAddr, env wireEnvelope) {
	r.outbound.retransmit(r.sock, from, env.ChunkID, env.MissingIndices)
}

// sweepCompleted drops old entries from the completed-chunk memory so it
// doesn't grow unboundedly.
func (r *reassembler) sweepCompleted(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.completed {
		if now.Sub(t) > completedChunkMemory {
			delete(r.completed, k)
		}
	}
}

func (r *reassembler) runSweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(completedChunkMemory / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.sweepCompleted(now)
		}
	}
}
