package control

import (
	"sync"

	"cloudnode/internal/cluster"
	"cloudnode/internal/proto"
)

// Balancer picks the destination for a non-forwarded request received
// while this node is coordinator (spec.md §4.7's load-balancing decision).
// It is a distinct type from Control so internal/router can depend on the
// narrow decision-making surface without pulling in election plumbing.
type Balancer struct {
	cluster *cluster.Cluster
	metrics loadSource

	mu       sync.Mutex
	hasLast  bool
	lastPick proto.NodeID
	lastScore float64
}

// loadSource is the subset of *metrics.Metrics the balancer needs for its
// own candidacy.
type loadSource interface {
	InFlight() int64
	ProcessedTotal() uint64
}

func NewBalancer(c *cluster.Cluster, m loadSource) *Balancer {
	return &Balancer{cluster: c, metrics: m}
}

// Decide builds the candidate set, scores each candidate, and returns the
// winner with hysteresis applied against the previous pick.
func (b *Balancer) Decide() (proto.NodeID, bool) {
	candidates := append([]proto.NodeID{b.cluster.SelfID}, b.cluster.FreshAndAlivePeers()...)

	maxProcessed := b.metrics.ProcessedTotal()
	loads := make(map[proto.NodeID]float64, len(candidates))
	processed := make(map[proto.NodeID]uint64, len(candidates))
	for _, id := range candidates {
		if id == b.cluster.SelfID {
			loads[id] = float64(b.metrics.InFlight())
			processed[id] = b.metrics.ProcessedTotal()
			continue
		}
		load, count, ok := b.cluster.LoadOf(id)
		if !ok {
			load, count = loads[b.cluster.SelfID], processed[b.cluster.SelfID]
		}
		loads[id] = load
		processed[id] = count
		if count > maxProcessed {
			maxProcessed = count
		}
	}

	scores := make(map[proto.NodeID]float64, len(candidates))
	for _, id := range candidates {
		normalized := 0.0
		if maxProcessed > 0 {
			normalized = float64(processed[id]) / float64(maxProcessed)
		}
		scores[id] = 0.7*loads[id] + 0.3*normalized
	}

	best := lowestScore(candidates, scores)

	b.mu.Lock()
	defer b.mu.Unlock()

	winner := best
	winnerScore := scores[best]
	if b.hasLast {
		if lastScore, stillCandidate := scores[b.lastPick]; stillCandidate {
			if lastScore <= winnerScore*(1+HysteresisMargin) {
				winner = b.lastPick
				winnerScore = lastScore
			}
		}
	}

	b.lastPick = winner
	b.lastScore = winnerScore
	b.hasLast = true
	return winner, winner == b.cluster.SelfID
}

func lowestScore(candidates []proto.NodeID, scores map[proto.NodeID]float64) proto.NodeID {
	var best proto.NodeID
	var bestScore float64
	first := true
	for _, id := range candidates {
		s := scores[id]
		if first || s < bestScore || (s == bestScore && id < best) {
			best, bestScore, first = id, s, false
		}
	}
	return best
}
