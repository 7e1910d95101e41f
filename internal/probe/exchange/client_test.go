package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DrC0ns0le/netprobe/internal/config"
	"github.com/DrC0ns0le/netprobe/internal/probe/clocksync"
	"github.com/DrC0ns0le/netprobe/internal/probe/packet"
	"github.com/DrC0ns0le/netprobe/internal/probe/stats"
	"github.com/DrC0ns0le/netprobe/internal/probe/transport"
	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simClock struct {
	now   uint64
	slept []time.Duration
}

func (c *simClock) Now() uint64 { return c.now }

func (c *simClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.now += uint64(d.Microseconds())
	return nil
}

// simPeer is an in-memory echo server behind a simulated path. Delays and
// processing time are in microseconds; offset is added to the server clock.
type simPeer struct {
	clock      *simClock
	forward    uint64
	backward   uint64
	processing uint64
	offset     int64

	// drop reports whether the nth send (1-based) is lost.
	drop func(n int) bool
	// mutate rewrites the nth echo before it is delivered.
	mutate func(n int, buf []byte)
	// closeAfter ends the session once this many packets were echoed.
	closeAfter int

	sends   int
	pending []byte
	arrival uint64
}

func (p *simPeer) Send(buf []byte) error {
	p.sends++
	if p.closeAfter > 0 && p.sends > p.closeAfter {
		return transport.ErrPeerClosed
	}

	p.pending = nil
	if p.drop != nil && p.drop(p.sends) {
		return nil
	}

	echo := append([]byte(nil), buf...)
	h, err := packet.DecodeHeader(echo)
	if err != nil {
		return err
	}
	h.ServerRecv = uint64(int64(p.clock.now+p.forward) + p.offset)
	h.ServerSend = h.ServerRecv + p.processing
	h.Encode(echo)

	if p.mutate != nil {
		p.mutate(p.sends, echo)
	}

	p.pending = echo
	p.arrival = p.clock.now + p.forward + p.processing + p.backward
	return nil
}

func (p *simPeer) Receive(buf []byte) (int, error) {
	if p.pending == nil {
		p.clock.now += uint64(config.DefaultTimeout.Microseconds())
		return 0, transport.ErrTimeout
	}
	p.clock.now = p.arrival
	n := copy(buf, p.pending)
	p.pending = nil
	return n, nil
}

func (p *simPeer) Close() error { return nil }

type memorySink struct {
	samples []stats.Sample
	err     error
}

func (m *memorySink) Record(s stats.Sample) error {
	m.samples = append(m.samples, s)
	return m.err
}

func testConfig(kind config.Transport, count int) *config.Config {
	return &config.Config{
		Role:       config.RoleClient,
		Transport:  kind,
		Address:    "127.0.0.1",
		Port:       config.DefaultPort,
		Count:      count,
		Delay:      10 * time.Millisecond,
		PacketSize: 256,
		Timeout:    config.DefaultTimeout,
	}
}

func TestDatagramLossEveryThirdPacket(t *testing.T) {
	for _, n := range []int{1, 2, 3, 10, 31} {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c, forward: 100, backward: 100, drop: func(i int) bool { return i%3 == 0 }}

		res, err := NewClient(testConfig(config.Datagram, n), peer, c, logging.NewNopLogger()).Run(context.Background())
		require.NoError(t, err)

		assert.Len(t, res.Samples, n-n/3)
		assert.Equal(t, n/3, res.Lost)
		assert.Equal(t, n, res.Sent)
		assert.False(t, res.Ended)

		summary := stats.Summarize(res.Samples, n, 256, 10*time.Millisecond)
		assert.InDelta(t, 100*float64(n/3)/float64(n), summary.PacketLoss, 1e-9)
	}
}

func TestSampleSequenceIsMonotonic(t *testing.T) {
	c := &simClock{now: 1_000_000}
	peer := &simPeer{clock: c, forward: 10, backward: 10, drop: func(i int) bool { return i == 2 }}

	res, err := NewClient(testConfig(config.Datagram, 5), peer, c, logging.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)

	var seqs []uint64
	for _, s := range res.Samples {
		seqs = append(seqs, s.SeqNum)
	}
	assert.Equal(t, []uint64{1, 3, 4, 5}, seqs)
}

func TestSequenceMismatch(t *testing.T) {
	shift := func(n int, buf []byte) {
		if n == 2 {
			h, _ := packet.DecodeHeader(buf)
			h.SeqNum++
			h.Encode(buf)
		}
	}

	t.Run("datagram discards", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c, forward: 10, backward: 10, mutate: shift}

		res, err := NewClient(testConfig(config.Datagram, 5), peer, c, logging.NewNopLogger()).Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.Samples, 4)
		assert.Equal(t, 1, res.Invalid)
	})

	t.Run("stream accepts", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c, forward: 10, backward: 10, mutate: shift}

		res, err := NewClient(testConfig(config.Stream, 5), peer, c, logging.NewNopLogger()).Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.Samples, 5)
		assert.Zero(t, res.Invalid)
	})
}

func TestCorruptedPayloadIsDiscarded(t *testing.T) {
	for _, kind := range []config.Transport{config.Stream, config.Datagram} {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c, forward: 10, backward: 10, mutate: func(n int, buf []byte) {
			if n == 3 {
				buf[packet.HeaderSize+17] ^= 0xff
			}
		}}

		res, err := NewClient(testConfig(kind, 6), peer, c, logging.NewNopLogger()).Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.Samples, 5, "transport %s", kind)
		assert.Equal(t, 1, res.Invalid, "transport %s", kind)
		for _, s := range res.Samples {
			assert.NotEqual(t, uint64(3), s.SeqNum)
		}
	}
}

func TestStreamPeerClosedEndsRun(t *testing.T) {
	c := &simClock{now: 1_000_000}
	peer := &simPeer{clock: c, forward: 10, backward: 10, closeAfter: 3}

	res, err := NewClient(testConfig(config.Stream, 10), peer, c, logging.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Ended)
	assert.Len(t, res.Samples, 3)
	assert.Equal(t, 4, res.Sent)

	summary := stats.Summarize(res.Samples, 10, 256, 10*time.Millisecond)
	assert.InDelta(t, 70.0, summary.PacketLoss, 1e-9)
}

func TestSymmetricEstimateWithoutSync(t *testing.T) {
	c := &simClock{now: 1_000_000}
	peer := &simPeer{clock: c, forward: 50, backward: 50}

	cfg := testConfig(config.Stream, 5)
	cfg.PacketSize = 64

	res, err := NewClient(cfg, peer, c, logging.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Samples, 5)

	for _, s := range res.Samples {
		assert.Equal(t, s.RTT/2, s.OneWayLatency)
		assert.Equal(t, 100.0, s.RTT)
		assert.Equal(t, uint32(64), s.PacketSize)
	}
}

func TestLatencyEstimates(t *testing.T) {
	newPeer := func(c *simClock) *simPeer {
		return &simPeer{clock: c, forward: 400, backward: 100, processing: 20, offset: 7000}
	}

	t.Run("synchronized", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		client := NewClient(testConfig(config.Datagram, 3), newPeer(c), c, logging.NewNopLogger())
		client.offset, client.synced = 7000, true

		res, err := client.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Samples, 3)
		assert.True(t, res.Synced)
		for _, s := range res.Samples {
			assert.Equal(t, 400.0, s.OneWayLatency)
			assert.Equal(t, 520.0, s.RTT)
			assert.Equal(t, 20.0, s.ServerProcessing)
		}
	})

	t.Run("symmetric", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		res, err := NewClient(testConfig(config.Datagram, 3), newPeer(c), c, logging.NewNopLogger()).Run(context.Background())
		require.NoError(t, err)
		for _, s := range res.Samples {
			assert.Equal(t, 250.0, s.OneWayLatency)
		}
	})
}

func TestSynchronize(t *testing.T) {
	t.Run("recovers offset", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c, forward: 150, backward: 150, processing: 5, offset: -42_000}
		cfg := testConfig(config.Datagram, 4)
		cfg.Sync = true

		client := NewClient(cfg, peer, c, logging.NewNopLogger())
		require.NoError(t, client.Synchronize(context.Background()))

		offset, synced := client.Offset()
		assert.True(t, synced)
		assert.Equal(t, int64(-42_000), offset)

		res, err := client.Run(context.Background())
		require.NoError(t, err)
		for _, s := range res.Samples {
			assert.Equal(t, 150.0, s.OneWayLatency)
			assert.Less(t, s.SeqNum, uint64(5))
		}
	})

	t.Run("disabled", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c}

		client := NewClient(testConfig(config.Datagram, 1), peer, c, logging.NewNopLogger())
		require.NoError(t, client.Synchronize(context.Background()))
		offset, synced := client.Offset()
		assert.Zero(t, offset)
		assert.False(t, synced)
		assert.Zero(t, peer.sends)
	})

	t.Run("failure falls back", func(t *testing.T) {
		c := &simClock{now: 1_000_000}
		peer := &simPeer{clock: c, forward: 30, backward: 90, drop: func(i int) bool { return i <= clocksync.Rounds }}
		cfg := testConfig(config.Datagram, 2)
		cfg.Sync = true

		client := NewClient(cfg, peer, c, logging.NewNopLogger())
		err := client.Synchronize(context.Background())
		assert.True(t, errors.Is(err, clocksync.ErrSyncFailed))

		_, synced := client.Offset()
		assert.False(t, synced)

		res, err := client.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Samples, 2)
		assert.Equal(t, 60.0, res.Samples[0].OneWayLatency)
	})
}

func TestPacing(t *testing.T) {
	c := &simClock{now: 1_000_000}
	cfg := testConfig(config.Stream, 4)
	cfg.Rate = 100

	_, err := NewClient(cfg, &simPeer{clock: c}, c, logging.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)

	// rate wins over the configured delay, no pause after the last packet
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, c.slept)
}

func TestCancelledRunReturnsPartialResult(t *testing.T) {
	c := &simClock{now: 1_000_000}
	ctx, cancel := context.WithCancel(context.Background())

	peer := &simPeer{clock: c, forward: 10, backward: 10, mutate: func(n int, _ []byte) {
		if n == 2 {
			cancel()
		}
	}}

	res, err := NewClient(testConfig(config.Stream, 10), peer, c, logging.NewNopLogger()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Len(t, res.Samples, 2)
}

func TestSinksReceiveEverySample(t *testing.T) {
	c := &simClock{now: 1_000_000}
	ok := &memorySink{}
	failing := &memorySink{err: errors.New("disk full")}

	res, err := NewClient(testConfig(config.Stream, 3), &simPeer{clock: c, forward: 5, backward: 5}, c,
		logging.NewNopLogger(), ok, failing).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, res.Samples, ok.samples)
	assert.Len(t, failing.samples, 3)
}

func TestRunRejectsOversizedPacket(t *testing.T) {
	c := &simClock{}
	cfg := testConfig(config.Stream, 1)
	cfg.PacketSize = packet.MaxSize + 1

	_, err := NewClient(cfg, &simPeer{clock: c}, c, logging.NewNopLogger()).Run(context.Background())
	assert.True(t, errors.Is(err, packet.ErrAllocation))
}

// lateQueue echoes through a FIFO. Echoes of held sequence numbers miss
// their own wait and are delivered just ahead of the next echo.
type lateQueue struct {
	clock *simClock
	delay uint64
	hold  map[uint64]bool

	held  [][]byte
	queue [][]byte
}

func (q *lateQueue) Send(buf []byte) error {
	echo := append([]byte(nil), buf...)
	h, err := packet.DecodeHeader(echo)
	if err != nil {
		return err
	}
	h.ServerRecv = q.clock.now + q.delay
	h.ServerSend = h.ServerRecv
	h.Encode(echo)

	if q.hold[h.SeqNum] {
		q.held = append(q.held, echo)
		return nil
	}

	q.queue = append(q.queue, q.held...)
	q.queue = append(q.queue, echo)
	q.held = nil
	return nil
}

func (q *lateQueue) Receive(buf []byte) (int, error) {
	if len(q.queue) == 0 {
		q.clock.now += uint64(config.DefaultTimeout.Microseconds())
		return 0, transport.ErrTimeout
	}
	echo := q.queue[0]
	q.queue = q.queue[1:]
	q.clock.now += 2 * q.delay
	return copy(buf, echo), nil
}

func (q *lateQueue) Close() error { return nil }

func TestLateDatagramEchoCostsOneSample(t *testing.T) {
	c := &simClock{now: 1_000_000}
	q := &lateQueue{clock: c, delay: 100, hold: map[uint64]bool{2: true}}

	res, err := NewClient(testConfig(config.Datagram, 10), q, c, logging.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Samples, 9)
	assert.Equal(t, 1, res.Lost)
	assert.Zero(t, res.Invalid)
	for _, s := range res.Samples {
		assert.NotEqual(t, uint64(2), s.SeqNum)
	}
}

func TestLateSyncEchoDoesNotShiftDataLoop(t *testing.T) {
	c := &simClock{now: 1_000_000}
	q := &lateQueue{clock: c, delay: 100, hold: map[uint64]bool{packet.SyncSeq(clocksync.Rounds - 1): true}}

	cfg := testConfig(config.Datagram, 5)
	cfg.Sync = true

	client := NewClient(cfg, q, c, logging.NewNopLogger())
	require.NoError(t, client.Synchronize(context.Background()))

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Samples, 5)
	assert.Zero(t, res.Lost+res.Invalid)
}
