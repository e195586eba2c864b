package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"cloudnode/internal/errcode"
)

// retryBackoffBase and retryBackoffCap shape the exponential backoff
// between control-plane send retries, the same doubling-with-a-ceiling
// shape as the teacher's client_ops.go backoffRetry, scaled up from
// connection-dial retries to the coarser control-plane cadence.
const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 4 * ControlSendTimeout
)

// sendError pairs a control-plane send failure with the machine-readable
// kind that names it, the same vocabulary internal/stego uses for engine
// failures (errcode.Code's doc comment: "or logged for control-plane
// operations").
type sendError struct {
	Code errcode.Code
	Err  error
}

func (e *sendError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *sendError) Unwrap() error { return e.Err }

// sendWithRetry delivers payload to addr, retrying up to ControlMaxRetries
// additional times with exponential backoff if an attempt fails or exceeds
// ControlSendTimeout (spec.md §4.7 "Retries": Election/Coordinator/
// HeartbeatAck use short per-attempt timeouts with a small bounded retry
// count, unlike the data plane's chunked-transport retransmission). The
// returned error, once every attempt is exhausted, is a *sendError
// classified as errcode.Timeout when the last attempt's deadline expired
// or errcode.PeerUnreachable when the transport reported a hard failure.
func sendWithRetry(ctx context.Context, sender Sender, addr *net.UDPAddr, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= ControlMaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, ControlSendTimeout)
		err := attemptSend(attemptCtx, sender, addr, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == ControlMaxRetries {
			break
		}
		if !sleepBackoff(ctx, attempt) {
			lastErr = ctx.Err()
			break
		}
	}
	return classifySendErr(lastErr)
}

// attemptSend runs one send attempt on its own goroutine so a Sender that
// ignores ctx (as internal/transport's UDP send does today) still respects
// the per-attempt deadline instead of blocking sendWithRetry indefinitely.
func attemptSend(ctx context.Context, sender Sender, addr *net.UDPAddr, payload []byte) error {
	done := make(chan error, 1)
	go func() { done <- sender.Send(ctx, addr, payload) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepBackoff(ctx context.Context, attempt int) bool {
	d := retryBackoffBase * time.Duration(1<<uint(attempt))
	if d > retryBackoffCap {
		d = retryBackoffCap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func classifySendErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &sendError{Code: errcode.Timeout, Err: err}
	}
	return &sendError{Code: errcode.PeerUnreachable, Err: err}
}
