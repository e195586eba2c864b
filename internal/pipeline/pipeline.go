// Package pipeline implements C4: the per-node request pipeline that turns
// an accepted RequestEnvelope into an EncryptionResponse delivered back to
// the client.
package pipeline

import (
	"context"
	"errors"
	"net"

	"cloudnode/internal/debuglog"
	"cloudnode/internal/errcode"
	"cloudnode/internal/metrics"
	"cloudnode/internal/proto"
	"cloudnode/internal/stego"
)

// RequestEnvelope is the transient per-request state described in
// spec.md §3.
type RequestEnvelope struct {
	RequestID           string
	ClientEndpoint      *net.UDPAddr
	ImageBytes          []byte
	AuthorizedUsernames []string
	Quota               int
	Forwarded           bool
}

// DecryptionEnvelope is the transient per-request state for the inverse
// operation: any node that receives one runs it locally, since decryption
// is cheap and load-independent (original_source/src/node.rs's
// DecryptionRequest handling, dropped from the distilled core spec but
// restored here as a genuine C5 consumer).
type DecryptionEnvelope struct {
	RequestID      string
	ClientEndpoint *net.UDPAddr
	ClientUsername string
	EncryptedBytes []byte
}

// Sender is the subset of internal/transport's Transport that the pipeline
// needs to deliver a response.
type Sender interface {
	Send(ctx context.Context, addr *net.UDPAddr, payload []byte) error
}

// Pipeline runs accepted requests to completion. Every exit path
// decrements the in-flight gauge exactly once (spec.md I4).
type Pipeline struct {
	metrics *metrics.Metrics
	sender  Sender
}

func New(m *metrics.Metrics, sender Sender) *Pipeline {
	return &Pipeline{metrics: m, sender: sender}
}

// Handle accepts one request for local processing: increments in-flight,
// runs the encryption engine, replies to the original client endpoint, and
// decrements in-flight on every exit path (success, failure, or a
// canceled context).
func (p *Pipeline) Handle(ctx context.Context, env RequestEnvelope) {
	p.metrics.IncRequestsAccepted()
	p.metrics.InFlightInc()
	defer p.metrics.InFlightDec()

	resp := proto.Message{
		Type:      proto.TypeEncryptionResponse,
		RequestID: env.RequestID,
	}

	encrypted, err := stego.Encrypt(ctx, env.ImageBytes, env.AuthorizedUsernames, env.Quota)
	if err != nil {
		p.metrics.IncRequestsFailed()
		resp.Success = false
		resp.Error = classify(err).String()
		debuglog.Debugf("pipeline: request %s failed: %v", env.RequestID, err)
	} else {
		p.metrics.IncRequestsSucceeded()
		p.metrics.IncProcessedTotal()
		resp.Success = true
		resp.EncryptedBytes = encrypted
	}

	payload, err := proto.Encode(resp)
	if err != nil {
		debuglog.Debugf("pipeline: failed to encode response for %s: %v", env.RequestID, err)
		return
	}
	if err := p.sender.Send(ctx, env.ClientEndpoint, payload); err != nil {
		debuglog.Debugf("pipeline: failed to send response for %s to %s: %v", env.RequestID, env.ClientEndpoint, err)
	}
}

// HandleDecryption runs the inverse operation: it never touches the
// in-flight gauge or ProcessedTotal, since decryption bypasses load
// balancing entirely (spec.md §4.5's decrypt is defined purely by the
// encrypt/decrypt pair, not by C4's balanced-request accounting).
func (p *Pipeline) HandleDecryption(ctx context.Context, env DecryptionEnvelope) {
	resp := proto.Message{
		Type:      proto.TypeDecryptionResponse,
		RequestID: env.RequestID,
	}

	decoded, meta, err := stego.Decrypt(ctx, env.EncryptedBytes)
	switch {
	case err != nil:
		resp.Success = false
		resp.Error = classify(err).String()
		debuglog.Debugf("pipeline: decryption %s failed: %v", env.RequestID, err)
	case !stego.IsAuthorized(meta, env.ClientUsername):
		resp.Success = false
		resp.Error = errcode.Unauthorized.String()
	default:
		stego.DecrementQuota(&meta)
		resp.Success = true
		resp.ImageBytes = decoded
		resp.AuthorizedUsernames = meta.Usernames
		resp.Quota = meta.Quota
	}

	payload, err := proto.Encode(resp)
	if err != nil {
		debuglog.Debugf("pipeline: failed to encode decryption response for %s: %v", env.RequestID, err)
		return
	}
	if err := p.sender.Send(ctx, env.ClientEndpoint, payload); err != nil {
		debuglog.Debugf("pipeline: failed to send decryption response for %s to %s: %v", env.RequestID, env.ClientEndpoint, err)
	}
}

// classify maps an encryption-engine error to its wire error kind.
func classify(err error) errcode.Code {
	var stegoErr *stego.Error
	if errors.As(err, &stegoErr) {
		return stegoErr.Code
	}
	return errcode.Internal
}
