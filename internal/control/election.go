package control

import (
	"context"
	"net"
	"time"

	"cloudnode/internal/cluster"
	"cloudnode/internal/debuglog"
	"cloudnode/internal/proto"
)

// RunElectionTickLoop periodically triggers an election on top of the
// failure-triggered ones (spec.md §4.7 "Trigger: (a) periodic tick").
func (c *Control) RunElectionTickLoop(ctx context.Context) {
	ticker := time.NewTicker(ElectionTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.TriggerElection(ctx)
		}
	}
}

// TriggerElection runs one load-biased Bully election round: broadcast
// Election, collect ElectionOk responses for a fixed window, pick the
// lowest-load candidate (ties by lowest id), and announce the result.
// A no-op if an election this node started is already in flight.
func (c *Control) TriggerElection(ctx context.Context) {
	if c.cluster.State() != cluster.Active {
		return
	}

	c.mu.Lock()
	if c.electionInProgress {
		c.mu.Unlock()
		return
	}
	c.electionInProgress = true
	c.electionResponses = map[proto.NodeID]float64{c.cluster.SelfID: c.selfLoad()}
	c.mu.Unlock()

	c.metrics.IncElectionsStarted()
	c.broadcast(ctx, proto.Message{
		Type: proto.TypeElection,
		From: c.cluster.SelfID,
		Load: c.selfLoad(),
	})

	timer := time.NewTimer(ElectionCollectionWindow)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.abortElection()
		return
	case <-timer.C:
	}

	c.mu.Lock()
	if !c.electionInProgress {
		// Aborted mid-collection: a Coordinator announcement arrived
		// and handleCoordinator already adopted it.
		c.mu.Unlock()
		return
	}
	responses := c.electionResponses
	c.electionInProgress = false
	c.electionResponses = nil
	c.mu.Unlock()

	winner := pickWinner(responses)
	if winner == c.cluster.SelfID {
		c.metrics.IncElectionsWon()
	}
	c.cluster.SetCoordinator(winner)
	debuglog.Debugf("control: election resolved, coordinator=%d", winner)

	c.broadcast(ctx, proto.Message{
		Type: proto.TypeCoordinator,
		From: winner,
		Load: responses[winner],
	})
}

// pickWinner selects the strictly-lowest-load candidate, breaking ties by
// lowest id (spec.md §4.7).
func pickWinner(responses map[proto.NodeID]float64) proto.NodeID {
	var winner proto.NodeID
	var winnerLoad float64
	first := true
	for id, load := range responses {
		if first || load < winnerLoad || (load == winnerLoad && id < winner) {
			winner, winnerLoad, first = id, load, false
		}
	}
	return winner
}

func (c *Control) abortElection() {
	c.mu.Lock()
	c.electionInProgress = false
	c.electionResponses = nil
	c.mu.Unlock()
}

// handleElection replies with our own (id, load) — we never launch a
// competing election on receipt, since the load-biased variant collects
// votes rather than deferring to higher ids (spec.md §4.7).
func (c *Control) handleElection(from *net.UDPAddr, msg proto.Message) {
	if c.cluster.State() != cluster.Active {
		return
	}
	reply := proto.Message{
		Type: proto.TypeElectionOk,
		From: c.cluster.SelfID,
		Load: c.selfLoad(),
	}
	payload, err := proto.Encode(reply)
	if err != nil {
		debuglog.Debugf("control: failed to encode election_ok: %v", err)
		return
	}
	if err := sendWithRetry(context.Background(), c.sender, from, payload); err != nil {
		debuglog.Debugf("control: election_ok to %s exhausted retries: %v", from, err)
	}
}

func (c *Control) handleElectionOk(msg proto.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.electionInProgress {
		return
	}
	c.electionResponses[msg.From] = msg.Load
}

// handleCoordinator adopts the announced coordinator unconditionally and
// aborts any election this node has in flight (spec.md §4.7: "If the
// initiator receives a Coordinator{...} from another node during its own
// election, it aborts and adopts the announced coordinator").
func (c *Control) handleCoordinator(msg proto.Message) {
	c.abortElection()
	c.cluster.SetCoordinator(msg.From)
}
