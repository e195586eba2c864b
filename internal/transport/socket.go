package transport

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"cloudnode/internal/debuglog"
)

// batchFailureThreshold is how many consecutive ReadBatch failures socket
// tolerates before concluding this platform can't do batched reads at all
// and falling back permanently. A single transient failure — some
// platforms return one on the very first call before recvmmsg support
// settles in — must not tear batching down for the rest of the process.
const batchFailureThreshold = 3

// batchReader is the *ipv4.PacketConn surface socket needs; narrowed to an
// interface so tests can substitute a fake that fails on demand.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// socket owns the single UDP endpoint for a node (C1). It reads datagrams
// in a batch when the OS supports it (grounded on the same x/net/ipv4
// batching idea the teacher module's QUIC transport relies on internally)
// and falls back to one-at-a-time reads otherwise.
type socket struct {
	conn          *net.UDPConn
	batched       batchReader
	batchFailures int
}

func newSocket(conn *net.UDPConn) *socket {
	s := &socket{conn: conn}
	if pc := ipv4.NewPacketConn(conn); pc != nil {
		s.batched = pc
	}
	return s
}

func (s *socket) localAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *socket) writeTo(data []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

func (s *socket) close() error {
	return s.conn.Close()
}

// datagram is one received UDP payload plus its sender.
type datagram struct {
	data []byte
	from *net.UDPAddr
}

// readBatch reads up to receiveBatchSize datagrams in as few syscalls as
// possible, falling back to a single ReadFromUDP when batching is
// unavailable on this platform or connection type. A run of consecutive
// ReadBatch failures disables batching for the rest of the process; a lone
// failure just falls back for that one call, since batching may still be
// good the next time around.
func (s *socket) readBatch(out []datagram) (int, error) {
	if s.batched != nil {
		n, err := s.readBatchIPv4(out)
		if err == nil {
			s.batchFailures = 0
			return n, nil
		}
		s.batchFailures++
		if s.batchFailures < batchFailureThreshold {
			debuglog.RateLimitedf("transport-batch-read-error", time.Second, "transport: batched read error (%d/%d consecutive), falling back for this read: %v", s.batchFailures, batchFailureThreshold, err)
			return s.readSingle(out)
		}
		debuglog.Debugf("transport: batched read failed %d times in a row, disabling batching: %v", s.batchFailures, err)
		s.batched = nil
	}
	return s.readSingle(out)
}

func (s *socket) readBatchIPv4(out []datagram) (int, error) {
	n := len(out)
	if n > receiveBatchSize {
		n = receiveBatchSize
	}
	msgs := make([]ipv4.Message, n)
	bufs := make([][]byte, n)
	for i := range msgs {
		bufs[i] = make([]byte, ReadBufferSize)
		msgs[i].Buffers = [][]byte{bufs[i]}
	}
	got, err := s.batched.ReadBatch(msgs, 0)
	if err != nil {
		return 0, err
	}
	for i := 0; i < got; i++ {
		addr, ok := msgs[i].Addr.(*net.UDPAddr)
		if !ok || msgs[i].N <= 0 {
			continue
		}
		out[i] = datagram{data: bufs[i][:msgs[i].N], from: addr}
	}
	return got, nil
}

func (s *socket) readSingle(out []datagram) (int, error) {
	buf := make([]byte, ReadBufferSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	out[0] = datagram{data: buf[:n], from: addr}
	return 1, nil
}
