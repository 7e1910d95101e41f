// Package clocksync estimates the offset between the client and server clocks
// with a short burst of two-way timestamp exchanges, keeping the round with
// the smallest round-trip time.
package clocksync

import (
	"context"
	"math"
	"time"

	"github.com/DrC0ns0le/netprobe/internal/probe/clock"
	"github.com/DrC0ns0le/netprobe/internal/probe/packet"
	"github.com/DrC0ns0le/netprobe/internal/probe/transport"
	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
)

const (
	Rounds     = 10
	RoundPause = 50 * time.Millisecond
)

// ErrSyncFailed is returned when no round produced a usable exchange.
var ErrSyncFailed = errors.New("clock synchronization failed")

// Round is the outcome of one exchange, in microseconds.
type Round struct {
	Index  int
	RTT    int64
	Offset int64
}

type Synchronizer struct {
	transport transport.Transport
	clock     clock.Clock
	logger    logging.Logger

	rounds int
	pause  time.Duration
}

func New(t transport.Transport, c clock.Clock, logger logging.Logger) *Synchronizer {
	return &Synchronizer{
		transport: t,
		clock:     c,
		logger:    logger.With("component", "clocksync"),
		rounds:    Rounds,
		pause:     RoundPause,
	}
}

// Run performs the rounds and returns the offset of the minimum-RTT round:
// server clock minus client clock. Failed rounds are skipped. If all rounds
// fail the offset is 0 and ErrSyncFailed is returned.
func (s *Synchronizer) Run(ctx context.Context) (int64, error) {
	s.logger.Infof("attempting clock synchronization with server")

	buf := make([]byte, packet.HeaderSize)
	best := Round{Index: -1, RTT: math.MaxInt64}

	for i := 0; i < s.rounds; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		r, err := s.round(i, buf)
		if err != nil {
			s.logger.Warnf("sync round %d failed: %v", i, err)
		} else {
			s.logger.Debugf("sync round %d: rtt=%dus offset=%dus", i, r.RTT, r.Offset)
			if r.RTT < best.RTT {
				best = r
			}
		}

		if i < s.rounds-1 {
			if err := s.clock.Sleep(ctx, s.pause); err != nil {
				return 0, err
			}
		}
	}

	if best.Index < 0 {
		return 0, errors.Wrapf(ErrSyncFailed, "all %d rounds failed", s.rounds)
	}

	s.logger.Infof("clock synchronization complete, estimated offset %d us (%.2f ms) from round %d",
		best.Offset, float64(best.Offset)/1000, best.Index)

	return best.Offset, nil
}

func (s *Synchronizer) round(i int, buf []byte) (Round, error) {
	seq := packet.SyncSeq(i)
	h := packet.Header{
		SeqNum:     seq,
		PacketSize: packet.HeaderSize,
	}

	t1 := s.clock.Now()
	h.ClientSend = t1
	h.Encode(buf)

	if err := s.transport.Send(buf); err != nil {
		return Round{}, errors.Wrap(err, "send")
	}

	n, dropped, err := transport.ReceiveFresh(s.transport, buf, staleRound(seq))
	t4 := s.clock.Now()
	if dropped > 0 {
		s.logger.Debugf("sync round %d: dropped %d late echoes", i, dropped)
	}
	if err != nil {
		return Round{}, errors.Wrap(err, "receive")
	}

	reply, err := packet.DecodeHeader(buf[:n])
	if err != nil {
		return Round{}, err
	}

	if reply.SeqNum != seq {
		return Round{}, errors.Errorf("echo carries sequence %d, expected %d", reply.SeqNum, seq)
	}

	return Compute(i, t1, reply.ServerRecv, reply.ServerSend, t4), nil
}

// staleRound matches echoes of earlier rounds, whose tags sit above the
// current one.
func staleRound(seq uint64) func([]byte) bool {
	return func(b []byte) bool {
		h, err := packet.DecodeHeader(b)
		return err == nil && packet.IsSync(h.SeqNum) && h.SeqNum > seq
	}
}

// Compute derives the round-trip time and clock offset from the four
// timestamps of one exchange.
func Compute(index int, t1, t2, t3, t4 uint64) Round {
	c1, s2, s3, c4 := int64(t1), int64(t2), int64(t3), int64(t4)

	return Round{
		Index:  index,
		RTT:    (c4 - c1) - (s3 - s2),
		Offset: ((s2 - c1) + (s3 - c4)) / 2,
	}
}
