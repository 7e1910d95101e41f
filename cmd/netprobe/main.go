package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DrC0ns0le/netprobe/internal/baseline"
	"github.com/DrC0ns0le/netprobe/internal/config"
	"github.com/DrC0ns0le/netprobe/internal/metrics"
	"github.com/DrC0ns0le/netprobe/internal/output"
	"github.com/DrC0ns0le/netprobe/internal/probe/clock"
	"github.com/DrC0ns0le/netprobe/internal/probe/clocksync"
	"github.com/DrC0ns0le/netprobe/internal/probe/exchange"
	"github.com/DrC0ns0le/netprobe/internal/probe/stats"
	"github.com/DrC0ns0le/netprobe/internal/probe/transport"
	"github.com/DrC0ns0le/netprobe/internal/server"
	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
)

const dialTimeout = 5 * time.Second

var (
	serverMode = flag.Bool("s", false, "run in server mode")
	clientMode = flag.String("c", "", "run in client mode, connecting to the given server address")

	probePort    = flag.Int("probe.port", config.DefaultPort, "port to listen on or connect to")
	probeUDP     = flag.Bool("probe.udp", false, "use UDP instead of TCP")
	probeIPv6    = flag.Bool("probe.ipv6", false, "use IPv6 instead of IPv4")
	probeCount   = flag.Int("probe.count", config.DefaultCount, "number of test packets to send")
	probeDelay   = flag.Duration("probe.delay", config.DefaultDelay, "delay between packets")
	probeRate    = flag.Int("probe.rate", 0, "sending rate in packets per second, overrides probe.delay")
	probeSize    = flag.Int("probe.size", config.DefaultPacketSize, "size of each packet in bytes")
	probeSync    = flag.Bool("probe.sync", false, "synchronize clocks with the server before measuring")
	probeOutput  = flag.String("probe.output", "", "write per-packet results to this CSV file")
	probeTimeout = flag.Duration("probe.timeout", config.DefaultTimeout, "UDP reply timeout after which a packet counts as lost")
	probeTOS     = flag.Int("probe.tos", 0, "IP TOS / traffic class for probe packets")
	probeIface   = flag.String("probe.iface", "", "take the client source address from this interface")

	metricsPort = flag.Int("metrics.port", 0, "port for metrics server, 0 disables it")
	metricsPath = flag.String("metrics.path", "/metrics", "path for metrics server")
	metricsHold = flag.Duration("metrics.hold", 0, "keep serving metrics this long after a client run")

	grpcPort = flag.Int("grpc.port", 0, "port for the grpc health server, 0 disables it")

	baselineICMP       = flag.Bool("baseline.icmp", false, "ping the server before the client run")
	baselinePrivileged = flag.Bool("baseline.privileged", false, "use raw ICMP sockets for the baseline")
)

func main() {
	flag.Parse()

	logger := logging.NewDefaultLogger()

	cfg, err := configFromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		aux        []server.Server
		setServing = func(bool) {}
	)
	if *metricsPort > 0 {
		aux = append(aux, server.NewHTTPServer(*metricsPort, *metricsPath, logger))
	}
	if *grpcPort > 0 {
		health := server.NewGRPCServer(*grpcPort, logger)
		setServing = health.SetServing
		aux = append(aux, health)
	}

	auxCtx, stopAux := context.WithCancel(ctx)
	auxDone := make(chan error, 1)
	go func() { auxDone <- server.NewManager(logger, aux...).Start(auxCtx) }()

	logging.Infof("starting netprobe in %s mode", cfg.Role)

	switch cfg.Role {
	case config.RoleServer:
		runServer(ctx, cfg, logger, setServing)
	case config.RoleClient:
		runClient(ctx, cfg, logger, setServing)
	}

	stopAux()
	if err := <-auxDone; err != nil {
		logging.Errorf("failed to stop auxiliary servers: %v", err)
	}
}

func configFromFlags() (*config.Config, error) {
	cfg := &config.Config{
		Transport:  config.Stream,
		IPv6:       *probeIPv6,
		Port:       *probePort,
		Interface:  *probeIface,
		Count:      *probeCount,
		Delay:      *probeDelay,
		Rate:       *probeRate,
		PacketSize: *probeSize,
		Sync:       *probeSync,
		Timeout:    *probeTimeout,
		TOS:        *probeTOS,
		Output:     *probeOutput,
	}

	if *probeUDP {
		cfg.Transport = config.Datagram
	}

	switch {
	case *serverMode && *clientMode != "":
		return nil, errors.New("-s and -c are mutually exclusive")
	case *serverMode:
		cfg.Role = config.RoleServer
	case *clientMode != "":
		cfg.Role = config.RoleClient
		cfg.Address = *clientMode
	default:
		return nil, errors.New("either -s or -c server_address is required")
	}

	if clamped := config.ClampPacketSize(cfg.PacketSize); clamped != cfg.PacketSize {
		logging.Infof("packet size %d out of range, using %d", cfg.PacketSize, clamped)
	}

	if err := cfg.Init(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger logging.Logger, setServing func(bool)) {
	srv, err := exchange.Listen(ctx, cfg, clock.System{}, logger)
	if err != nil {
		logger.Fatalf("failed to start %s server: %v", cfg.Transport, err)
	}

	logger.Infof("%s server started over %s, listening on %s", cfg.Transport, cfg.Family(), srv.Addr())

	setServing(true)
	defer setServing(false)

	if err := srv.Serve(ctx); err != nil {
		logger.Errorf("server stopped: %v", err)
		return
	}

	logger.Infof("%s server shutdown complete", cfg.Transport)
}

func runClient(ctx context.Context, cfg *config.Config, logger logging.Logger, setServing func(bool)) {
	run := metrics.RunID(cfg.Endpoint(), time.Now())
	logger = logger.With("run", run)

	if *baselineICMP {
		measureBaseline(ctx, cfg, logger)
	}

	logger.Infof("connecting to %s server %s over %s", cfg.Transport, cfg.Endpoint(), cfg.Family())

	conn, err := transport.Dial(ctx, cfg.Network(), cfg.Endpoint(), transport.DialOptions{
		Interface: cfg.Interface,
		TOS:       cfg.TOS,
		Timeout:   dialTimeout,
	})
	if err != nil {
		logger.Fatalf("failed to connect: %v", err)
	}

	t := transport.New(conn, cfg.Network(), cfg.Timeout)
	defer t.Close()

	recorder := metrics.NewRecorder(run, string(cfg.Transport))
	sinks := []exchange.SampleSink{recorder}

	if cfg.Output != "" {
		csv, err := output.CreateCSV(cfg.Output)
		if err != nil {
			logger.Fatalf("failed to open output file: %v", err)
		}
		defer func() {
			if err := csv.Close(); err != nil {
				logger.Errorf("failed to close output file: %v", err)
			}
		}()
		sinks = append(sinks, csv)
	}

	client := exchange.NewClient(cfg, t, clock.System{}, logger, sinks...)

	setServing(true)
	res, err := measure(ctx, client, logger)
	setServing(false)
	if err != nil {
		logger.Fatalf("failed to run measurement: %v", err)
	}

	if res.Interrupted {
		logger.Infof("interrupted after %d of %d packets", res.Sent, cfg.Count)
	}

	summary, err := report(os.Stdout, cfg, res)
	if err != nil {
		logger.Errorf("failed to write summary: %v", err)
	}

	recorder.Discarded("lost", res.Lost)
	recorder.Discarded("invalid", res.Invalid)
	recorder.Summary(summary, res.Offset, res.Synced)

	if *metricsPort > 0 && *metricsHold > 0 {
		logger.Infof("holding metrics for %v", *metricsHold)
		_ = clock.System{}.Sleep(ctx, *metricsHold)
	}
}

// measure synchronizes clocks when enabled and runs the exchange loop. A
// cancelled synchronization still ends in an empty, interrupted result.
func measure(ctx context.Context, client *exchange.Client, logger logging.Logger) (*exchange.Result, error) {
	if err := client.Synchronize(ctx); err != nil {
		switch {
		case ctx.Err() != nil:
			logger.Info("interrupted during clock synchronization")
		case errors.Is(err, clocksync.ErrSyncFailed):
			logger.Warnf("%v, falling back to symmetric path estimate", err)
		default:
			logger.Warnf("clock synchronization aborted: %v", err)
		}
	}

	return client.Run(ctx)
}

// report reduces the run and prints the summary. Loss is counted against the
// configured packet count.
func report(w io.Writer, cfg *config.Config, res *exchange.Result) (stats.Summary, error) {
	summary := stats.Summarize(res.Samples, cfg.Count, cfg.PacketSize, cfg.Interval())

	err := output.WriteSummary(w, summary, output.Info{
		Transport:  string(cfg.Transport),
		Family:     cfg.Family(),
		PacketSize: cfg.PacketSize,
		Attempted:  res.Sent,
		Offset:     res.Offset,
		Synced:     res.Synced,
		Output:     cfg.Output,
	})

	return summary, err
}

func baselineOptions(cfg *config.Config) (baseline.Options, error) {
	opts := baseline.Options{
		Target:     cfg.Address,
		IPv6:       cfg.IPv6,
		Count:      baseline.DefaultCount,
		Privileged: *baselinePrivileged,
	}

	if cfg.Interface != "" {
		ip, err := transport.SourceAddr(cfg.Interface, cfg.IPv6)
		if err != nil {
			return opts, err
		}
		opts.Source = ip.String()
	}

	return opts, nil
}

func measureBaseline(ctx context.Context, cfg *config.Config, logger logging.Logger) {
	opts, err := baselineOptions(cfg)
	if err != nil {
		logger.Warnf("icmp baseline skipped: %v", err)
		return
	}

	res, err := baseline.Measure(ctx, opts)
	if err != nil {
		logger.Warnf("icmp baseline failed: %v", err)
		return
	}

	logger.Infof("icmp baseline: avg=%dus min=%dus max=%dus jitter=%dus loss=%.1f%%",
		res.AvgLatency, res.MinLatency, res.MaxLatency, res.Jitter, res.Loss)
}
