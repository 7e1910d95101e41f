package stats

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

// Sample is one validated client exchange. Latencies are in microseconds.
type Sample struct {
	SeqNum     uint64
	PacketSize uint32

	OneWayLatency    float64
	RTT              float64
	ServerProcessing float64

	// SentAt and ReceivedAt are the client_send and client_recv stamps.
	SentAt     uint64
	ReceivedAt uint64
}

// Range is the min/max/mean of a sample series in microseconds.
type Range struct {
	Min  float64
	Max  float64
	Mean float64
}

type Summary struct {
	Sent     int
	Received int
	// PacketLoss in percent (0-100)
	PacketLoss float64

	Latency Range
	// Jitter is the population standard deviation of the one-way latency
	Jitter float64
	RTT    Range

	// Duration is the approximated test duration in seconds
	Duration float64
	// Throughput in bits/sec
	Throughput float64
}

// Summarize reduces the ordered samples of a run. sent is the configured
// packet count, packetSize the configured packet size and interval the
// pacing interval between packets.
func Summarize(samples []Sample, sent, packetSize int, interval time.Duration) Summary {
	s := Summary{
		Sent:     sent,
		Received: len(samples),
	}

	if sent > 0 {
		s.PacketLoss = 100 * float64(sent-s.Received) / float64(sent)
	}

	if len(samples) == 0 {
		return s
	}

	latencies := make([]float64, len(samples))
	rtts := make([]float64, len(samples))
	for i, sample := range samples {
		latencies[i] = sample.OneWayLatency
		rtts[i] = sample.RTT
	}

	s.Latency = summarize(latencies)
	s.RTT = summarize(rtts)
	s.Jitter = StdDev(latencies)

	s.Duration = duration(samples, interval)
	if s.Duration > 0 {
		s.Throughput = float64(s.Received*packetSize*8) / s.Duration
	}

	return s
}

// StdDev is the population standard deviation of xs about their mean.
func StdDev[T constraints.Integer | constraints.Float](xs []T) float64 {
	if len(xs) == 0 {
		return 0
	}

	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := float64(x) - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// duration spans from the first sample's send to the last sample's receive,
// plus one pacing interval for the pause that follows the last packet.
func duration(samples []Sample, interval time.Duration) float64 {
	first, last := samples[0], samples[len(samples)-1]

	var span float64
	if last.ReceivedAt > first.SentAt {
		span = float64(last.ReceivedAt-first.SentAt) / 1e6
	}

	return span + interval.Seconds()
}

func summarize[T constraints.Integer | constraints.Float](xs []T) Range {
	lo, hi := minMax(xs)
	return Range{
		Min:  float64(lo),
		Max:  float64(hi),
		Mean: mean(xs),
	}
}

func minMax[T constraints.Ordered](xs []T) (T, T) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

func mean[T constraints.Integer | constraints.Float](xs []T) float64 {
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	return sum / float64(len(xs))
}
