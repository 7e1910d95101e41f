package transport

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrPeerClosed marks the end of a stream session: the peer disconnected
	// or the connection was closed locally.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrTimeout is returned when a bounded receive expired. On a datagram
	// transport it means the packet was lost.
	ErrTimeout = errors.New("receive timed out")
	// ErrFrameSize is returned when the declared packet size is impossible
	// or disagrees with the bytes actually received.
	ErrFrameSize = errors.New("invalid frame size")
)

// Transport moves exactly one logical packet per Send or Receive call.
type Transport interface {
	// Send transmits buf as one packet.
	Send(buf []byte) error
	// Receive reads one packet into buf and returns its length.
	Receive(buf []byte) (int, error)
	Close() error
}

// FreshReceiver is implemented by transports that can skip stale packets
// while waiting for the expected one within one bounded wait.
type FreshReceiver interface {
	ReceiveFresh(buf []byte, stale func([]byte) bool) (int, int, error)
}

// ReceiveFresh receives the next packet that stale does not reject. Rejected
// packets are dropped and counted. Transports without their own bounded wait
// fall back to repeated Receive calls.
func ReceiveFresh(t Transport, buf []byte, stale func([]byte) bool) (int, int, error) {
	if fr, ok := t.(FreshReceiver); ok {
		return fr.ReceiveFresh(buf, stale)
	}

	dropped := 0
	for {
		n, err := t.Receive(buf)
		if err != nil {
			return 0, dropped, err
		}
		if stale(buf[:n]) {
			dropped++
			continue
		}
		return n, dropped, nil
	}
}

// classify maps low level socket errors onto the transport sentinels.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrClosedPipe):
		return errors.Wrapf(ErrPeerClosed, "%s: %v", op, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.Wrapf(ErrTimeout, "%s: %v", op, err)
	}

	return errors.Wrap(err, op)
}
