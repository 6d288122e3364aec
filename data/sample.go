// Package data carries the samples an experiment produces: the Sample record
// itself, the fan-out distributor that hands samples to plotting and storage
// without ever stalling the control loop, and a CSV storage consumer.
package data

import (
	"time"

	"github.com/anodize-io/psuctrl/control"
)

// Sample is one control tick's record. Created once per tick by the
// experiment controller and immutable afterwards; consumers only read it.
type Sample struct {
	Timestamp       time.Time
	Target          float64
	Measured        float64
	ControlSignal   float64
	Mode            uint16
	MeasuredCurrent float64

	// Strategy is a snapshot of the gains the signal was computed with.
	Strategy control.Config
}

// Power is the instantaneous power implied by the measured pair.
func (s Sample) Power() float64 {
	return s.Measured * s.MeasuredCurrent
}
