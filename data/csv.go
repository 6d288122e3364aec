package data

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// csvHeader is the wire contract storage consumers depend on: stable column
// order, written once at file open.
var csvHeader = []string{"timestamp", "target_v", "measured_v", "control_v", "mode", "measured_a", "power_w"}

// CSVWriter persists samples as CSV rows. It is the storage consumer of a
// distributor queue and runs at its own pace.
type CSVWriter struct {
	out    io.Writer
	w      *csv.Writer
	logger golog.Logger
}

// NewCSVWriter writes the header row and returns a writer ready for samples.
func NewCSVWriter(out io.Writer, logger golog.Logger) (*CSVWriter, error) {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return nil, errors.Wrap(err, "writing csv header")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &CSVWriter{out: out, w: w, logger: logger}, nil
}

// WriteSample appends one row.
func (c *CSVWriter) WriteSample(s Sample) error {
	row := []string{
		s.Timestamp.Format(time.RFC3339Nano),
		formatFloat(s.Target),
		formatFloat(s.Measured),
		formatFloat(s.ControlSignal),
		strconv.FormatUint(uint64(s.Mode), 10),
		formatFloat(s.MeasuredCurrent),
		formatFloat(s.Power()),
	}
	return c.w.Write(row)
}

// Drain polls q until ctx ends, writing every sample it sees. On cancellation
// it takes one final pass so nothing buffered is lost, then flushes.
func (c *CSVWriter) Drain(ctx context.Context, q *Queue, pollInterval time.Duration) error {
	for {
		if err := c.writeAll(q); err != nil {
			return err
		}
		if !goutils.SelectContextOrWait(ctx, pollInterval) {
			if err := c.writeAll(q); err != nil {
				return err
			}
			c.w.Flush()
			return c.w.Error()
		}
	}
}

func (c *CSVWriter) writeAll(q *Queue) error {
	for {
		s, ok := q.Poll()
		if !ok {
			c.w.Flush()
			return c.w.Error()
		}
		if err := c.WriteSample(s); err != nil {
			return err
		}
	}
}

// Close flushes buffered rows and closes the destination if it is closable.
func (c *CSVWriter) Close() error {
	c.w.Flush()
	err := c.w.Error()
	if closer, ok := c.out.(io.Closer); ok {
		err = multierr.Combine(err, closer.Close())
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
