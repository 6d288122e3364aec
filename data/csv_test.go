package data

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/anodize-io/psuctrl/control"
)

func TestCSVHeaderAndRows(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var buf bytes.Buffer
	w, err := NewCSVWriter(&buf, logger)
	test.That(t, err, test.ShouldBeNil)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err = w.WriteSample(Sample{
		Timestamp:       ts,
		Target:          5,
		Measured:        4.97,
		ControlSignal:   5.1,
		Mode:            1,
		MeasuredCurrent: 2,
		Strategy:        control.Config{Mode: control.ModeLinear},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, lines, test.ShouldHaveLength, 2)
	test.That(t, lines[0], test.ShouldEqual, "timestamp,target_v,measured_v,control_v,mode,measured_a,power_w")
	test.That(t, lines[1], test.ShouldEqual, "2024-05-01T12:00:00Z,5,4.97,5.1,1,2,9.94")
}

func TestCSVDrain(t *testing.T) {
	logger := golog.NewTestLogger(t)
	d := NewDistributor(logger)
	q, err := d.Subscribe("storage", 16)
	test.That(t, err, test.ShouldBeNil)

	base := time.Now()
	for i := 0; i < 5; i++ {
		d.Publish(sampleAt(base.Add(time.Duration(i)*time.Second), float64(i)))
	}

	var buf bytes.Buffer
	w, err := NewCSVWriter(&buf, logger)
	test.That(t, err, test.ShouldBeNil)

	// A cancelled context still gets the final drain pass.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, w.Drain(ctx, q, time.Millisecond), test.ShouldBeNil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, lines, test.ShouldHaveLength, 6) // header + 5 rows
	test.That(t, q.Len(), test.ShouldEqual, 0)
}
