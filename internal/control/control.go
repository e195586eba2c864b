// Package control implements C7: the heartbeat sender, failure detector,
// load-biased Bully election, and the load-balancing decision the router
// consults when this node believes itself the coordinator.
package control

import (
	"context"
	"net"
	"sync"

	"cloudnode/internal/cluster"
	"cloudnode/internal/debuglog"
	"cloudnode/internal/metrics"
	"cloudnode/internal/proto"
)

// Sender delivers an already-encoded control-plane message to a peer.
type Sender interface {
	Send(ctx context.Context, addr *net.UDPAddr, payload []byte) error
}

// Control holds the mutable election state a node needs on top of its
// cluster view. Everything else (peer table, load cache, coordinator id)
// lives in *cluster.Cluster, which Control reads and writes per spec.md
// §5's shared-state table.
type Control struct {
	cluster *cluster.Cluster
	sender  Sender
	metrics *metrics.Metrics

	mu                 sync.Mutex
	electionInProgress bool
	electionResponses  map[proto.NodeID]float64
}

func New(c *cluster.Cluster, sender Sender, m *metrics.Metrics) *Control {
	return &Control{cluster: c, sender: sender, metrics: m}
}

// selfLoad reports this node's current self-reported load: the in-flight
// request count, exactly as C4 maintains it (spec.md §4.4 step 1/5).
func (c *Control) selfLoad() float64 {
	return float64(c.metrics.InFlight())
}

// HandleMessage dispatches one control-plane message. It is the callback
// internal/router hands off to for the heartbeat/election message family.
func (c *Control) HandleMessage(from *net.UDPAddr, msg proto.Message) {
	switch msg.Type {
	case proto.TypeHeartbeat:
		c.handleHeartbeat(from, msg)
	case proto.TypeHeartbeatAck:
		c.handleHeartbeatAck(msg)
	case proto.TypeElection:
		c.handleElection(from, msg)
	case proto.TypeElectionOk:
		c.handleElectionOk(msg)
	case proto.TypeCoordinator:
		c.handleCoordinator(msg)
	default:
		debuglog.Debugf("control: unexpected message type %s", msg.Type)
	}
}

// broadcast sends payload to every configured peer, best-effort: the
// per-peer sends run in parallel, so a failed send to one peer never blocks
// delivery to the others. Each send is retried with backoff per spec.md
// §4.7's "Retries" before being logged as a failure. broadcast returns once
// every per-peer send has finished.
func (c *Control) broadcast(ctx context.Context, msg proto.Message) {
	payload, err := proto.Encode(msg)
	if err != nil {
		debuglog.Debugf("control: failed to encode broadcast message: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, addr := range c.cluster.Peers() {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sendWithRetry(ctx, c.sender, addr, payload); err != nil {
				debuglog.RateLimitedf("control-broadcast-"+addr.String(), HeartbeatInterval, "control: broadcast to %s exhausted retries: %v", addr, err)
			}
		}()
	}
	wg.Wait()
}
