// Package exchange runs the measurement loops: the paced client that sends
// data packets and turns echoes into samples, and the stream and datagram
// servers that timestamp and echo them.
package exchange

import (
	"context"

	"github.com/DrC0ns0le/netprobe/internal/config"
	"github.com/DrC0ns0le/netprobe/internal/probe/clock"
	"github.com/DrC0ns0le/netprobe/internal/probe/clocksync"
	"github.com/DrC0ns0le/netprobe/internal/probe/packet"
	"github.com/DrC0ns0le/netprobe/internal/probe/stats"
	"github.com/DrC0ns0le/netprobe/internal/probe/transport"
	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
)

// SampleSink consumes samples as they are produced.
type SampleSink interface {
	Record(stats.Sample) error
}

// Result is what a client run collected. Samples are in send order.
type Result struct {
	Samples []stats.Sample

	// Sent is the number of exchanges attempted.
	Sent    int
	Lost    int
	Invalid int

	Offset int64
	Synced bool

	// Ended is set when the stream peer went away before the count was
	// exhausted, Interrupted when the run was cancelled.
	Ended       bool
	Interrupted bool
}

type outcome int

const (
	received outcome = iota
	lost
	invalid
	ended
)

type Client struct {
	cfg       *config.Config
	transport transport.Transport
	clock     clock.Clock
	root      logging.Logger
	logger    logging.Logger
	sinks     []SampleSink

	offset int64
	synced bool
}

func NewClient(cfg *config.Config, t transport.Transport, c clock.Clock, logger logging.Logger, sinks ...SampleSink) *Client {
	return &Client{
		cfg:       cfg,
		transport: t,
		clock:     c,
		root:      logger,
		logger:    logger.With("component", "client"),
		sinks:     sinks,
	}
}

// Synchronize estimates the clock offset when synchronization is enabled.
// On clocksync.ErrSyncFailed the client stays unsynchronized and falls back
// to the symmetric-path estimate; the error is returned so the caller can
// report it.
func (c *Client) Synchronize(ctx context.Context) error {
	if !c.cfg.Sync {
		return nil
	}

	stop := context.AfterFunc(ctx, func() { c.transport.Close() })
	defer stop()

	offset, err := clocksync.New(c.transport, c.clock, c.root).Run(ctx)
	if err != nil {
		c.offset, c.synced = 0, false
		return err
	}

	c.offset, c.synced = offset, true
	return nil
}

// Offset returns the estimated server minus client clock offset and whether
// synchronization succeeded.
func (c *Client) Offset() (int64, bool) {
	return c.offset, c.synced
}

// Run sends the configured number of packets, one outstanding at a time.
// Losses, invalid replies, a vanished stream peer and cancellation all end
// in a partial Result; only setup failures are returned as errors.
func (c *Client) Run(ctx context.Context) (*Result, error) {
	tx, err := packet.New(c.cfg.PacketSize)
	if err != nil {
		return nil, err
	}

	reply := &packet.Packet{Payload: make([]byte, 0, len(tx.Payload))}
	buf := make([]byte, packet.MaxSize)

	res := &Result{
		Samples: make([]stats.Sample, 0, c.cfg.Count),
		Offset:  c.offset,
		Synced:  c.synced,
	}

	stop := context.AfterFunc(ctx, func() { c.transport.Close() })
	defer stop()

	interval := c.cfg.Interval()
	c.logger.Infof("sending %d packets of %d bytes over %s, interval %v", c.cfg.Count, tx.PacketSize, c.cfg.Transport, interval)

	for i := 0; i < c.cfg.Count; i++ {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		seq := uint64(i + 1)
		out, sample, err := c.exchange(seq, tx, reply, buf)
		res.Sent++

		if out != received && ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		switch out {
		case received:
			res.Samples = append(res.Samples, sample)
			c.publish(sample)
			c.logger.Debugf("packet %d: latency=%.1fus rtt=%.1fus processing=%.1fus",
				seq, sample.OneWayLatency, sample.RTT, sample.ServerProcessing)
		case lost:
			res.Lost++
			c.logger.Debugf("packet %d lost: %v", seq, err)
		case invalid:
			res.Invalid++
			c.logger.Debugf("packet %d discarded: %v", seq, err)
		case ended:
			res.Ended = true
			c.logger.Warnf("session ended after %d packets: %v", res.Sent, err)
		}

		if res.Ended {
			break
		}

		if i < c.cfg.Count-1 {
			if err := c.clock.Sleep(ctx, interval); err != nil {
				res.Interrupted = true
				break
			}
		}
	}

	return res, nil
}

func (c *Client) exchange(seq uint64, tx, reply *packet.Packet, buf []byte) (outcome, stats.Sample, error) {
	datagram := c.cfg.Transport == config.Datagram

	tx.SeqNum = seq
	tx.ClientSend = c.clock.Now()
	tx.ServerRecv, tx.ServerSend, tx.ClientRecv = 0, 0, 0

	n, err := tx.MarshalTo(buf)
	if err != nil {
		return invalid, stats.Sample{}, err
	}

	if err := c.transport.Send(buf[:n]); err != nil {
		return c.failure(err, datagram), stats.Sample{}, err
	}

	var dropped int
	if datagram {
		n, dropped, err = transport.ReceiveFresh(c.transport, buf, staleEcho(seq))
	} else {
		n, err = c.transport.Receive(buf)
	}
	clientRecv := c.clock.Now()
	if dropped > 0 {
		c.logger.Debugf("packet %d: dropped %d late echoes", seq, dropped)
	}
	if err != nil {
		return c.failure(err, datagram), stats.Sample{}, err
	}

	if err := reply.Unmarshal(buf[:n]); err != nil {
		return invalid, stats.Sample{}, err
	}
	reply.ClientRecv = clientRecv

	if !reply.Validate() {
		return invalid, stats.Sample{}, errors.New("payload failed validation")
	}

	if datagram && reply.SeqNum != seq {
		return invalid, stats.Sample{}, errors.Errorf("echo carries sequence %d, expected %d", reply.SeqNum, seq)
	}

	return received, c.sample(&reply.Header), nil
}

// staleEcho matches replies to earlier packets or to synchronization rounds
// that arrived after their own wait expired.
func staleEcho(seq uint64) func([]byte) bool {
	return func(b []byte) bool {
		h, err := packet.DecodeHeader(b)
		return err == nil && (h.SeqNum < seq || packet.IsSync(h.SeqNum))
	}
}

// failure classifies a transport error. Any stream failure ends the session;
// on a datagram transport it costs one packet.
func (c *Client) failure(err error, datagram bool) outcome {
	switch {
	case !datagram, errors.Is(err, transport.ErrPeerClosed):
		return ended
	case errors.Is(err, transport.ErrFrameSize):
		return invalid
	default:
		return lost
	}
}

func (c *Client) sample(h *packet.Header) stats.Sample {
	processing := float64(int64(h.ServerSend - h.ServerRecv))
	rtt := float64(int64(h.ClientRecv - h.ClientSend))

	var latency float64
	if c.synced {
		latency = float64(int64(h.ServerRecv) - c.offset - int64(h.ClientSend))
	} else {
		latency = (rtt - processing) / 2
	}

	return stats.Sample{
		SeqNum:           h.SeqNum,
		PacketSize:       h.PacketSize,
		OneWayLatency:    latency,
		RTT:              rtt,
		ServerProcessing: processing,
		SentAt:           h.ClientSend,
		ReceivedAt:       h.ClientRecv,
	}
}

func (c *Client) publish(s stats.Sample) {
	for _, sink := range c.sinks {
		if err := sink.Record(s); err != nil {
			c.logger.Errorf("failed to record sample %d: %v", s.SeqNum, err)
		}
	}
}
