// Package router implements C3: it decodes one reassembled logical message
// and dispatches it by variant, enforcing the single invariant that keeps
// forwarding acyclic — a request already marked forwarded is handed
// straight to the local pipeline, never re-balanced (spec.md §4.3).
package router

import (
	"context"
	"net"

	"cloudnode/internal/cluster"
	"cloudnode/internal/debuglog"
	"cloudnode/internal/metrics"
	"cloudnode/internal/pipeline"
	"cloudnode/internal/proto"
)

// Sender delivers an already-encoded payload to a peer or client endpoint.
type Sender interface {
	Send(ctx context.Context, addr *net.UDPAddr, payload []byte) error
}

// PipelineHandler runs one accepted request to completion.
type PipelineHandler interface {
	Handle(ctx context.Context, env pipeline.RequestEnvelope)
	HandleDecryption(ctx context.Context, env pipeline.DecryptionEnvelope)
}

// Balancer picks the destination for a non-forwarded request received while
// this node believes itself to be the coordinator.
type Balancer interface {
	Decide() (target proto.NodeID, isSelf bool)
}

// ControlPlane handles the heartbeat/election message family.
type ControlPlane interface {
	HandleMessage(from *net.UDPAddr, msg proto.Message)
}

// DirectoryPlane handles the surrounding, non-core message family (session,
// username, image storage/listing/viewing). It never touches cluster, load,
// or coordinator state (spec.md §6).
type DirectoryPlane interface {
	HandleMessage(ctx context.Context, from *net.UDPAddr, msg proto.Message)
}

// Router wires together the cluster's own view of itself with the
// components that act on each message variant.
type Router struct {
	cluster   *cluster.Cluster
	sender    Sender
	pipeline  PipelineHandler
	balancer  Balancer
	control   ControlPlane
	directory DirectoryPlane
	metrics   *metrics.Metrics
}

func New(c *cluster.Cluster, sender Sender, p PipelineHandler, b Balancer, ctrl ControlPlane, dir DirectoryPlane, m *metrics.Metrics) *Router {
	return &Router{cluster: c, sender: sender, pipeline: p, balancer: b, control: ctrl, directory: dir, metrics: m}
}

// Route decodes and dispatches one already-reassembled message. It is the
// callback handed to internal/transport.
func (r *Router) Route(ctx context.Context, from *net.UDPAddr, payload []byte) {
	if r.cluster.State() == cluster.Failed {
		// "while Failed, the node ignores every received message and
		// sends nothing" (spec.md §4.6).
		return
	}

	msg, err := proto.Decode(payload)
	if err != nil {
		debuglog.Debugf("router: dropping undecodable message from %s: %v", from, err)
		return
	}

	switch msg.Type {
	case proto.TypeHeartbeat, proto.TypeHeartbeatAck,
		proto.TypeElection, proto.TypeElectionOk, proto.TypeCoordinator:
		r.control.HandleMessage(from, msg)
	case proto.TypeEncryptionRequest:
		r.routeEncryptionRequest(ctx, from, msg)
	case proto.TypeEncryptionResponse:
		// Nodes never receive their own responses; only clients do.
		debuglog.Debugf("router: unexpected encryption_response from %s, dropping", from)
	case proto.TypeDecryptionRequest:
		// Decryption is cheap and load-independent: whichever node
		// receives it runs it locally, never balanced or forwarded.
		go r.pipeline.HandleDecryption(ctx, pipeline.DecryptionEnvelope{
			RequestID:      msg.RequestID,
			ClientEndpoint: from,
			ClientUsername: msg.ClientUsername,
			EncryptedBytes: msg.EncryptedBytes,
		})
	case proto.TypeDecryptionResponse:
		debuglog.Debugf("router: unexpected decryption_response from %s, dropping", from)
	default:
		r.directory.HandleMessage(ctx, from, msg)
	}
}

// routeEncryptionRequest is the single branch that decides local processing
// vs. forwarding, keyed entirely on the forwarded flag and, when absent,
// on whether this node currently believes itself the coordinator
// (spec.md §4.3, §4.7, and the REDESIGN FLAGS test matrix over
// forwarded × is_coordinator × candidate set).
func (r *Router) routeEncryptionRequest(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	if msg.Forwarded {
		r.metrics.IncForwardedIn()
		go r.pipeline.Handle(ctx, envelopeFromForwarded(from, msg))
		return
	}

	if r.cluster.IsCoordinator() {
		target, isSelf := r.balancer.Decide()
		if isSelf {
			go r.pipeline.Handle(ctx, envelopeFromDirect(from, msg))
			return
		}
		r.forwardTo(ctx, target, from, msg)
		return
	}

	coordID, ok := r.cluster.Coordinator()
	if !ok {
		debuglog.Debugf("router: no known coordinator, dropping request %s", msg.RequestID)
		return
	}
	r.forwardTo(ctx, coordID, from, msg)
}

// forwardTo marks msg forwarded=true, preserves the original client
// endpoint, and either hands it to the local pipeline (target is self) or
// sends it on to the target peer (spec.md §6: request endpoint
// preservation).
func (r *Router) forwardTo(ctx context.Context, target proto.NodeID, from *net.UDPAddr, msg proto.Message) {
	if target == r.cluster.SelfID {
		go r.pipeline.Handle(ctx, envelopeFromDirect(from, msg))
		return
	}

	addr, ok := r.cluster.Endpoint(target)
	if !ok {
		debuglog.Debugf("router: unknown forwarding target %d, dropping request %s", target, msg.RequestID)
		return
	}

	msg.Forwarded = true
	if msg.OriginalClientEndpoint == "" {
		msg.OriginalClientEndpoint = from.String()
	}
	payload, err := proto.Encode(msg)
	if err != nil {
		debuglog.Debugf("router: failed to encode forwarded request %s: %v", msg.RequestID, err)
		return
	}
	r.metrics.IncForwardedOut()
	if err := r.sender.Send(ctx, addr, payload); err != nil {
		debuglog.Debugf("router: failed to forward request %s to %d: %v", msg.RequestID, target, err)
	}
}

func envelopeFromDirect(from *net.UDPAddr, msg proto.Message) pipeline.RequestEnvelope {
	return pipeline.RequestEnvelope{
		RequestID:           msg.RequestID,
		ClientEndpoint:      from,
		ImageBytes:          msg.ImageBytes,
		AuthorizedUsernames: msg.AuthorizedUsernames,
		Quota:               msg.Quota,
		Forwarded:           false,
	}
}

func envelopeFromForwarded(from *net.UDPAddr, msg proto.Message) pipeline.RequestEnvelope {
	return pipeline.RequestEnvelope{
		RequestID:           msg.RequestID,
		ClientEndpoint:      resolveClientEndpoint(msg.OriginalClientEndpoint, from),
		ImageBytes:          msg.ImageBytes,
		AuthorizedUsernames: msg.AuthorizedUsernames,
		Quota:               msg.Quota,
		Forwarded:           true,
	}
}

func resolveClientEndpoint(raw string, fallback *net.UDPAddr) *net.UDPAddr {
	if raw == "" {
		return fallback
	}
	addr, err := net.ResolveUDPAddr("udp", raw)
	if err != nil {
		debuglog.Debugf("router: could not parse original_client_endpoint %q: %v", raw, err)
		return fallback
	}
	return addr
}
