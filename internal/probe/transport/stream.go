package transport

import (
	"io"
	"net"

	"github.com/DrC0ns0le/netprobe/internal/probe/packet"
	"github.com/pkg/errors"
)

// Stream frames packets over a byte stream: the header is read first to learn
// packet_size, then the remainder.
type Stream struct {
	conn net.Conn
}

func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

func (s *Stream) Send(buf []byte) error {
	for len(buf) > 0 {
		n, err := s.conn.Write(buf)
		if err != nil {
			return classify(err, "stream write")
		}
		if n == 0 {
			return classify(io.ErrShortWrite, "stream write")
		}
		buf = buf[n:]
	}
	return nil
}

func (s *Stream) Receive(buf []byte) (int, error) {
	if len(buf) < packet.HeaderSize {
		return 0, errors.Wrapf(packet.ErrShortBuffer, "stream receive buffer of %d bytes", len(buf))
	}

	if _, err := io.ReadFull(s.conn, buf[:packet.HeaderSize]); err != nil {
		return 0, classify(err, "stream read header")
	}

	size := packet.DeclaredSize(buf)
	if size < packet.HeaderSize || size > len(buf) {
		return 0, errors.Wrapf(ErrFrameSize, "declared %d bytes, accepted range [%d, %d]", size, packet.HeaderSize, len(buf))
	}

	if _, err := io.ReadFull(s.conn, buf[packet.HeaderSize:size]); err != nil {
		return 0, classify(err, "stream read payload")
	}

	return size, nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
