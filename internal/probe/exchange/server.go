package exchange

import (
	"context"
	"net"
	"time"

	"github.com/DrC0ns0le/netprobe/internal/config"
	"github.com/DrC0ns0le/netprobe/internal/metrics"
	"github.com/DrC0ns0le/netprobe/internal/probe/clock"
	"github.com/DrC0ns0le/netprobe/internal/probe/packet"
	"github.com/DrC0ns0le/netprobe/internal/probe/transport"
	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
)

const acceptBackoff = 100 * time.Millisecond

// Server echoes probe packets until its context is cancelled.
type Server interface {
	Serve(ctx context.Context) error
	Addr() net.Addr
}

// Listen opens the server socket for the configured transport.
func Listen(ctx context.Context, cfg *config.Config, c clock.Clock, logger logging.Logger) (Server, error) {
	switch cfg.Transport {
	case config.Datagram:
		pc, err := transport.ListenPacket(ctx, cfg.Network(), cfg.Endpoint(), cfg.TOS)
		if err != nil {
			return nil, err
		}
		return NewDatagramServer(pc, c, logger), nil
	default:
		l, err := transport.Listen(ctx, cfg.Network(), cfg.Endpoint())
		if err != nil {
			return nil, err
		}
		return NewStreamServer(l, c, logger), nil
	}
}

// StreamServer services one connection at a time. Further clients wait in
// the listen backlog until the active peer disconnects.
type StreamServer struct {
	listener net.Listener
	clock    clock.Clock
	logger   logging.Logger

	buf []byte
}

func NewStreamServer(l net.Listener, c clock.Clock, logger logging.Logger) *StreamServer {
	return &StreamServer{
		listener: l,
		clock:    c,
		logger:   logger.With("component", "server", "transport", string(config.Stream)),
		buf:      make([]byte, packet.MaxSize),
	}
}

func (s *StreamServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *StreamServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()
	defer s.listener.Close()

	s.logger.Infof("listening on %s", s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}
			s.logger.Errorf("error accepting connection: %v", err)
			if err := s.clock.Sleep(ctx, acceptBackoff); err != nil {
				return nil
			}
			continue
		}

		s.session(ctx, conn)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *StreamServer) session(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t := transport.NewStream(conn)
	defer t.Close()

	peer := conn.RemoteAddr()
	metrics.ServerSession(string(config.Stream))
	s.logger.Infof("client connected from %s", peer)

	var data, syncs int
	for {
		n, err := t.Receive(s.buf)
		recv := s.clock.Now()
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, transport.ErrPeerClosed):
			case errors.Is(err, transport.ErrFrameSize):
				metrics.ServerDropped(string(config.Stream), "frame")
				s.logger.Warnf("dropping session with %s: %v", peer, err)
			default:
				metrics.ServerDropped(string(config.Stream), "read")
				s.logger.Warnf("dropping session with %s: %v", peer, err)
			}
			break
		}

		sync, err := echo(t, s.buf[:n], recv, s.clock)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrPeerClosed) {
				metrics.ServerDropped(string(config.Stream), "write")
				s.logger.Warnf("failed to echo to %s: %v", peer, err)
			}
			break
		}

		metrics.ServerPacket(string(config.Stream), sync)
		if sync {
			syncs++
		} else {
			data++
		}
	}

	s.logger.Infof("client %s disconnected after %d packets (%d sync)", peer, data, syncs)
}

// DatagramServer echoes every datagram to its sender without keeping any
// per-client state.
type DatagramServer struct {
	conn      net.PacketConn
	transport *transport.Datagram
	clock     clock.Clock
	logger    logging.Logger

	buf []byte
}

func NewDatagramServer(pc net.PacketConn, c clock.Clock, logger logging.Logger) *DatagramServer {
	return &DatagramServer{
		conn:      pc,
		transport: transport.NewDatagramServer(pc),
		clock:     c,
		logger:    logger.With("component", "server", "transport", string(config.Datagram)),
		buf:       make([]byte, packet.MaxSize),
	}
}

func (s *DatagramServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *DatagramServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.transport.Close() })
	defer stop()
	defer s.transport.Close()

	s.logger.Infof("listening on %s", s.conn.LocalAddr())

	for {
		n, err := s.transport.Receive(s.buf)
		recv := s.clock.Now()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrPeerClosed):
				return errors.Wrap(err, "read")
			case errors.Is(err, transport.ErrFrameSize):
				metrics.ServerDropped(string(config.Datagram), "frame")
				s.logger.Debugf("dropping datagram from %s: %v", s.transport.Peer(), err)
			default:
				metrics.ServerDropped(string(config.Datagram), "read")
				s.logger.Warnf("error reading datagram: %v", err)
			}
			continue
		}

		sync, err := echo(s.transport, s.buf[:n], recv, s.clock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ServerDropped(string(config.Datagram), "write")
			s.logger.Warnf("failed to echo to %s: %v", s.transport.Peer(), err)
			continue
		}

		metrics.ServerPacket(string(config.Datagram), sync)
	}
}

// echo stamps server_recv and server_send into the encoded header in place
// and sends the record back. It reports whether the packet was a
// synchronization probe.
func echo(t transport.Transport, buf []byte, recv uint64, c clock.Clock) (bool, error) {
	h, err := packet.DecodeHeader(buf)
	if err != nil {
		return false, err
	}

	h.ServerRecv = recv
	h.ServerSend = c.Now()
	h.Encode(buf)

	return packet.IsSync(h.SeqNum), t.Send(buf)
}
