// Package baseline measures ICMP echo latency to the target so the probe
// results can be read against a plain ping.
package baseline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	probing "github.com/prometheus-community/pro-bing"
)

const (
	DefaultCount    = 10
	DefaultInterval = 250 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

var ErrUnreachable = errors.New("no echo replies received")

type Options struct {
	Target string
	Source string
	IPv6   bool
	Count  int
	// Privileged uses raw ICMP sockets instead of unprivileged datagram
	// ICMP, which needs net.ipv4.ping_group_range on Linux.
	Privileged bool
}

// Result holds latencies in microseconds and loss in percent.
type Result struct {
	Sent       int
	Received   int
	MinLatency int64
	AvgLatency int64
	MaxLatency int64
	Jitter     int64
	Loss       float64
}

// Measure pings the target and blocks until all echoes were sent and
// answered or timed out.
func Measure(ctx context.Context, opts Options) (Result, error) {
	pinger, err := probing.NewPinger(opts.Target)
	if err != nil {
		return Result{}, errors.Wrapf(err, "resolve %s", opts.Target)
	}

	if opts.IPv6 {
		pinger.SetNetwork("ip6")
	} else {
		pinger.SetNetwork("ip4")
	}
	if opts.Source != "" {
		pinger.Source = opts.Source
	}

	count := opts.Count
	if count <= 0 {
		count = DefaultCount
	}

	pinger.SetPrivileged(opts.Privileged)
	pinger.Interval = DefaultInterval
	pinger.Timeout = DefaultTimeout
	pinger.Count = count

	if err := pinger.RunWithContext(ctx); err != nil {
		return Result{}, errors.Wrap(err, "icmp baseline")
	}

	res := toResult(pinger.Statistics())
	if res.Received == 0 {
		return res, errors.Wrapf(ErrUnreachable, "%s", opts.Target)
	}

	return res, nil
}

func toResult(s *probing.Statistics) Result {
	return Result{
		Sent:       s.PacketsSent,
		Received:   s.PacketsRecv,
		MinLatency: s.MinRtt.Microseconds(),
		AvgLatency: s.AvgRtt.Microseconds(),
		MaxLatency: s.MaxRtt.Microseconds(),
		Jitter:     s.StdDevRtt.Microseconds(),
		Loss:       s.PacketLoss,
	}
}
