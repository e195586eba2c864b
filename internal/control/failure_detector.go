package control

import "context"

// detectFailures scans the load cache for the current coordinator's
// liveness. There is no separate "mark Failed" storage for peers: a peer
// is Failed exactly when it is no longer alive() per the load cache
// (spec.md §4.6), so detection only needs to notice when that becomes
// true of the coordinator and react by triggering an election
// (spec.md §4.7, I2). The election runs on its own goroutine, so the
// caller's tick is not held for the election's collection window.
func (c *Control) detectFailures(ctx context.Context) {
	coordID, ok := c.cluster.Coordinator()
	if !ok {
		go c.TriggerElection(ctx)
		return
	}
	if coordID == c.cluster.SelfID {
		return
	}
	if !c.cluster.Alive(coordID) {
		go c.TriggerElection(ctx)
	}
}
