package transport

import "time"

const (
	// MaxFragmentPayload bounds the payload carried by one fragment,
	// target ~32 KiB of useful payload per datagram, leaving headroom for
	// JSON/base64 encoding and OS UDP limits (spec.md §4.1).
	MaxFragmentPayload = 32 * 1024

	// ReadBufferSize is the buffer allocated per receive slot; large enough
	// for one base64+JSON-wrapped fragment of MaxFragmentPayload bytes.
	ReadBufferSize = 64 * 1024

	// FragmentPacingDelay is inserted between consecutive fragment sends of
	// one chunk to reduce receiver-side drop under bursty load (spec.md §4.2).
	FragmentPacingDelay = 3 * time.Millisecond

	// ReassemblyIdleTimeout is how long an inbound reassembly buffer waits
	// for missing fragments before requesting retransmission.
	ReassemblyIdleTimeout = 5 * time.Second

	// MaxRetransmitRounds bounds how many retransmit-request rounds the
	// receiver issues before giving up on a chunk.
	MaxRetransmitRounds = 3

	// ChunkRetention is how long the sender keeps a completed chunk's
	// fragments around to serve retransmit requests.
	ChunkRetention = 30 * time.Second

	// completedChunkMemory is how long a receiver remembers a completed
	// chunk id to silently drop late duplicate fragments.
	completedChunkMemory = ChunkRetention

	// receiveBatchSize is the number of datagrams read per batched syscall
	// when the OS supports it.
	receiveBatchSize = 32
)
