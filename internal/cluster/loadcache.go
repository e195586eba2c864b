package cluster

import (
	"time"

	"cloudnode/internal/debuglog"
	"cloudnode/internal/proto"
)

// RecordHeartbeat writes the given peer's self-reported load into the
// cache, timestamped with the local receive time. I5: never called for
// SelfID by well-behaved callers; this guards it anyway since a
// misconfigured peer table could otherwise let a node poison its own
// entry.
func (c *Cluster) RecordHeartbeat(from proto.NodeID, load float64, processedCount uint64) {
	if from == c.SelfID {
		debuglog.Debugf("cluster: ignoring heartbeat claiming to be from self")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load[from] = &loadEntry{
		load:           load,
		processedCount: processedCount,
		receivedAt:     time.Now(),
	}
}

// Fresh reports whether peer p's most recent heartbeat is within the cache
// TTL — spec.md §4.6: used for load-balancing candidate selection.
func (c *Cluster) Fresh(p proto.NodeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.load[p]
	if !ok {
		return false
	}
	return time.Since(e.receivedAt) <= c.cacheTTL
}

// Alive reports whether peer p's most recent heartbeat is within the
// failure timeout — spec.md §4.6: used for failure detection and election
// participation. Fresh implies Alive.
func (c *Cluster) Alive(p proto.NodeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.load[p]
	if !ok {
		return false
	}
	return time.Since(e.receivedAt) <= c.failAfter
}

// LoadOf returns the most recently cached (load, processedCount) for peer
// p, or (0, 0, false) if no heartbeat has ever been recorded.
func (c *Cluster) LoadOf(p proto.NodeID) (load float64, processedCount uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.load[p]
	if !found {
		return 0, 0, false
	}
	return e.load, e.processedCount, true
}

// AlivePeers returns every configured peer id currently considered alive.
func (c *Cluster) AlivePeers() []proto.NodeID {
	var out []proto.NodeID
	for id := range c.peers {
		if c.Alive(id) {
			out = append(out, id)
		}
	}
	return out
}

// FreshAndAlivePeers returns every configured peer id currently fresh
// (implies alive), the candidate set for load balancing.
func (c *Cluster) FreshAndAlivePeers() []proto.NodeID {
	var out []proto.NodeID
	for id := range c.peers {
		if c.Fresh(id) && c.Alive(id) {
			out = append(out, id)
		}
	}
	return out
}
