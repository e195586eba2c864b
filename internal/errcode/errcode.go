// Package errcode names the machine-readable error kinds an EncryptionResponse
// or a control-plane operation can carry.
package errcode

// Code is a closed set of failure reasons surfaced on the wire or logged
// for control-plane operations. It is deliberately not a Go error: it is
// the small, stable, string-serializable value that travels in
// EncryptionResponse.Error and in metrics' drop counters.
type Code string

const (
	// Decode: the input image is not a recognizable format.
	Decode Code = "decode"
	// CapacityExceeded: image has too few pixel bytes to hold the metadata.
	CapacityExceeded Code = "capacity_exceeded"
	// OutputTooLarge: encrypted output still exceeds the size budget after
	// all resize attempts.
	OutputTooLarge Code = "output_too_large"
	// ReassemblyFailed: receiver exhausted its retransmit budget.
	ReassemblyFailed Code = "reassembly_failed"
	// Timeout: a control-plane send received no answer within its budget.
	Timeout Code = "timeout"
	// PeerUnreachable: the socket reported a hard send error.
	PeerUnreachable Code = "peer_unreachable"
	// Internal: an invariant violation caught at runtime.
	Internal Code = "internal"
	// Unauthorized: the requesting username is not in the image's embedded
	// access list.
	Unauthorized Code = "unauthorized"
)

func (c Code) String() string { return string(c) }
