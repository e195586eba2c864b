package control

import (
	"context"
	"net"
	"time"

	"cloudnode/internal/cluster"
	"cloudnode/internal/debuglog"
	"cloudnode/internal/proto"
)

// RunHeartbeatLoop wakes every HeartbeatInterval, sends, and suspends —
// the C7 heartbeat-sender task of spec.md §5. The failure detector shares
// this tick rather than running its own timer (spec.md §4.7).
func (c *Control) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Control) tick(ctx context.Context) {
	if c.cluster.State() != cluster.Active {
		return
	}
	c.sendHeartbeats(ctx)
	c.detectFailures(ctx)
}

func (c *Control) sendHeartbeats(ctx context.Context) {
	msg := proto.Message{
		Type:           proto.TypeHeartbeat,
		From:           c.cluster.SelfID,
		Load:           c.selfLoad(),
		ProcessedCount: c.metrics.ProcessedTotal(),
	}
	payload, err := proto.Encode(msg)
	if err != nil {
		debuglog.Debugf("control: failed to encode heartbeat: %v", err)
		return
	}
	for _, addr := range c.cluster.Peers() {
		addr := addr
		go func() {
			if err := c.sender.Send(ctx, addr, payload); err != nil {
				debuglog.RateLimitedf("control-hb-"+addr.String(), HeartbeatInterval, "control: heartbeat to %s failed: %v", addr, err)
			}
		}()
	}
}

// handleHeartbeat records the sender's load, refreshing both fresh and
// alive status for it, then replies with our own current load
// (spec.md §4.7: "load information is refreshed in both directions").
func (c *Control) handleHeartbeat(from *net.UDPAddr, msg proto.Message) {
	c.cluster.RecordHeartbeat(msg.From, msg.Load, msg.ProcessedCount)

	ack := proto.Message{
		Type:           proto.TypeHeartbeatAck,
		From:           c.cluster.SelfID,
		Load:           c.selfLoad(),
		ProcessedCount: c.metrics.ProcessedTotal(),
	}
	payload, err := proto.Encode(ack)
	if err != nil {
		debuglog.Debugf("control: failed to encode heartbeat ack: %v", err)
		return
	}
	if err := sendWithRetry(context.Background(), c.sender, from, payload); err != nil {
		debuglog.Debugf("control: heartbeat ack to %s exhausted retries: %v", from, err)
	}
}

func (c *Control) handleHeartbeatAck(msg proto.Message) {
	c.cluster.RecordHeartbeat(msg.From, msg.Load, msg.ProcessedCount)
}
