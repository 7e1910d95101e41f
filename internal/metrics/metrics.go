package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/DrC0ns0le/netprobe/internal/probe/stats"
	"github.com/cespare/xxhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	latencyBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000, 250000}

	probeRTT = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netprobe_rtt_microseconds",
		Help:    "Distribution of probe round-trip times in microseconds",
		Buckets: latencyBuckets,
	}, []string{"run", "transport"})
	probeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netprobe_one_way_latency_microseconds",
		Help:    "Distribution of estimated one-way latency in microseconds",
		Buckets: latencyBuckets,
	}, []string{"run", "transport"})
	probeSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprobe_samples_total",
		Help: "Number of validated samples recorded by the client",
	}, []string{"run", "transport"})

	summaryLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprobe_packet_loss_percent",
		Help: "Packet loss of the run in percent",
	}, []string{"run", "transport"})
	summaryJitter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprobe_jitter_microseconds",
		Help: "Standard deviation of the one-way latency in microseconds",
	}, []string{"run", "transport"})
	summaryLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprobe_latency_average_microseconds",
		Help: "Average one-way latency of the run in microseconds",
	}, []string{"run", "transport"})
	summaryRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprobe_rtt_average_microseconds",
		Help: "Average round-trip time of the run in microseconds",
	}, []string{"run", "transport"})
	summaryThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprobe_throughput_bits_per_second",
		Help: "Approximate probe throughput of the run",
	}, []string{"run", "transport"})
	clockOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprobe_clock_offset_microseconds",
		Help: "Estimated server minus client clock offset, NaN when not synchronized",
	}, []string{"run", "transport"})
	clientDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprobe_client_discarded_total",
		Help: "Packets that produced no sample, by reason",
	}, []string{"run", "transport", "reason"})

	serverPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprobe_server_packets_total",
		Help: "Packets echoed by the server",
	}, []string{"transport", "kind"})
	serverSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprobe_server_sessions_total",
		Help: "Stream sessions accepted by the server",
	}, []string{"transport"})
	serverDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprobe_server_dropped_total",
		Help: "Inbound packets the server could not echo, by reason",
	}, []string{"transport", "reason"})
)

// RunID derives a short stable identifier for a client run, used to label
// its series.
func RunID(target string, start time.Time) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s-%d", target, start.UnixNano())))
}

// Recorder exports one client run. It satisfies the exchange sample sink.
type Recorder struct {
	run       string
	transport string
}

func NewRecorder(run, transport string) *Recorder {
	return &Recorder{run: run, transport: transport}
}

func (r *Recorder) Record(s stats.Sample) error {
	probeRTT.WithLabelValues(r.run, r.transport).Observe(s.RTT)
	probeLatency.WithLabelValues(r.run, r.transport).Observe(s.OneWayLatency)
	probeSamples.WithLabelValues(r.run, r.transport).Inc()
	return nil
}

// Discarded counts a packet that produced no sample.
func (r *Recorder) Discarded(reason string, n int) {
	clientDiscarded.WithLabelValues(r.run, r.transport, reason).Add(float64(n))
}

// Summary publishes the reduced run. Series without data are set to NaN.
func (r *Recorder) Summary(s stats.Summary, offset int64, synced bool) {
	loss, jitter, latency, rtt, throughput := s.PacketLoss, s.Jitter, s.Latency.Mean, s.RTT.Mean, s.Throughput
	if s.Received == 0 {
		jitter, latency, rtt, throughput = math.NaN(), math.NaN(), math.NaN(), math.NaN()
	}

	summaryLoss.WithLabelValues(r.run, r.transport).Set(loss)
	summaryJitter.WithLabelValues(r.run, r.transport).Set(jitter)
	summaryLatency.WithLabelValues(r.run, r.transport).Set(latency)
	summaryRTT.WithLabelValues(r.run, r.transport).Set(rtt)
	summaryThroughput.WithLabelValues(r.run, r.transport).Set(throughput)

	if synced {
		clockOffset.WithLabelValues(r.run, r.transport).Set(float64(offset))
	} else {
		clockOffset.WithLabelValues(r.run, r.transport).Set(math.NaN())
	}
}

func ServerPacket(transport string, sync bool) {
	kind := "data"
	if sync {
		kind = "sync"
	}
	serverPackets.WithLabelValues(transport, kind).Inc()
}

func ServerSession(transport string) {
	serverSessions.WithLabelValues(transport).Inc()
}

func ServerDropped(transport, reason string) {
	serverDropped.WithLabelValues(transport, reason).Inc()
}
