// Package output writes client results: the per-sample CSV file and the
// human readable summary.
package output

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/DrC0ns0le/netprobe/internal/probe/stats"
	"github.com/pkg/errors"
)

var csvHeader = []string{"seq_num", "packet_size", "one_way_latency_us", "rtt_us", "server_processing_us"}

// CSVWriter streams one row per sample. Rows are flushed as they are
// recorded so an interrupted run leaves a usable file.
type CSVWriter struct {
	w      *csv.Writer
	closer io.Closer
}

// CreateCSV creates (or truncates) path and writes the header row.
func CreateCSV(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create csv output")
	}

	w, err := NewCSVWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f

	return w, nil
}

func NewCSVWriter(w io.Writer) (*CSVWriter, error) {
	cw := &CSVWriter{w: csv.NewWriter(w)}
	if err := cw.write(csvHeader); err != nil {
		return nil, err
	}
	return cw, nil
}

func (c *CSVWriter) Record(s stats.Sample) error {
	return c.write([]string{
		strconv.FormatUint(s.SeqNum, 10),
		strconv.FormatUint(uint64(s.PacketSize), 10),
		strconv.FormatFloat(s.OneWayLatency, 'f', 3, 64),
		strconv.FormatFloat(s.RTT, 'f', 3, 64),
		strconv.FormatFloat(s.ServerProcessing, 'f', 3, 64),
	})
}

func (c *CSVWriter) write(record []string) error {
	if err := c.w.Write(record); err != nil {
		return errors.Wrap(err, "write csv row")
	}
	c.w.Flush()
	return errors.Wrap(c.w.Error(), "flush csv")
}

func (c *CSVWriter) Close() error {
	c.w.Flush()
	err := c.w.Error()

	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}

	return errors.Wrap(err, "close csv output")
}
