package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/DrC0ns0le/netprobe/internal/probe/stats"
)

// Info describes the run next to its statistics.
type Info struct {
	Transport  string
	Family     string
	PacketSize int
	// Attempted is the number of packets actually sent, which falls short of
	// the configured count when the run ends early.
	Attempted int

	Offset int64
	Synced bool

	// Output is the CSV path, if one was written.
	Output string
}

// WriteSummary prints the report shown at the end of a client run.
func WriteSummary(w io.Writer, s stats.Summary, info Info) error {
	var b strings.Builder

	fmt.Fprintf(&b, "\n--- Latency and Jitter Summary (%s) ---\n", strings.ToUpper(info.Transport))

	if s.Received == 0 {
		b.WriteString("No packets were successfully exchanged\n")
		writeSent(&b, s, info)
	} else {
		b.WriteString("Test configuration:\n")
		fmt.Fprintf(&b, "  Protocol: %s over %s\n", strings.ToUpper(info.Transport), info.Family)
		fmt.Fprintf(&b, "  Packet size: %d bytes\n", info.PacketSize)
		writeSent(&b, s, info)
		fmt.Fprintf(&b, "  Packets received: %d\n", s.Received)
		fmt.Fprintf(&b, "  Packet loss: %.2f%%\n", s.PacketLoss)
		if info.Synced {
			fmt.Fprintf(&b, "  Clock offset: %d us (%.2f ms)\n", info.Offset, float64(info.Offset)/1000)
		} else {
			b.WriteString("  Clock offset: not synchronized, symmetric path assumed\n")
		}
		b.WriteString("\n")

		b.WriteString("One-way Latency:\n")
		fmt.Fprintf(&b, "  Minimum: %.3f ms\n", s.Latency.Min/1000)
		fmt.Fprintf(&b, "  Maximum: %.3f ms\n", s.Latency.Max/1000)
		fmt.Fprintf(&b, "  Average: %.3f ms\n", s.Latency.Mean/1000)
		fmt.Fprintf(&b, "  Jitter (std deviation): %.3f ms\n", s.Jitter/1000)
		b.WriteString("\n")

		b.WriteString("Round-Trip Time (RTT):\n")
		fmt.Fprintf(&b, "  Minimum: %.3f ms\n", s.RTT.Min/1000)
		fmt.Fprintf(&b, "  Maximum: %.3f ms\n", s.RTT.Max/1000)
		fmt.Fprintf(&b, "  Average: %.3f ms\n", s.RTT.Mean/1000)
		b.WriteString("\n")

		b.WriteString("Throughput:\n")
		fmt.Fprintf(&b, "  Average: %.2f Kbps (%.2f Mbps)\n", s.Throughput/1000, s.Throughput/1000000)
	}

	if info.Output != "" {
		fmt.Fprintf(&b, "\nResults saved to %s\n", info.Output)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeSent(b *strings.Builder, s stats.Summary, info Info) {
	if info.Attempted == s.Sent {
		fmt.Fprintf(b, "  Packets sent: %d\n", s.Sent)
		return
	}
	fmt.Fprintf(b, "  Packets sent: %d of %d configured\n", info.Attempted, s.Sent)
}
