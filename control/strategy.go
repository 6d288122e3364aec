// Package control implements the control strategies an experiment can run
// with: open-loop linear, PID, and feedforward with feedback. A strategy is a
// pure discrete-time computation; the experiment controller owns when it runs
// and when its state resets.
package control

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Mode selects a strategy variant.
type Mode string

// The supported strategy variants.
const (
	ModeLinear      Mode = "linear"
	ModePID         Mode = "pid"
	ModeFeedforward Mode = "feedforward"
)

// Config holds the gains for one run. It is fixed for the duration of an
// experiment.
type Config struct {
	Mode Mode `json:"mode"`

	Kp float64 `json:"kp,omitempty"`
	Ki float64 `json:"ki,omitempty"`
	Kd float64 `json:"kd,omitempty"`

	// Kff sizes the open-loop term of the feedforward strategy.
	Kff float64 `json:"kff,omitempty"`

	// IntegralLimit clamps |integral| to prevent windup when > 0.
	IntegralLimit float64 `json:"integral_limit,omitempty"`

	// Output clamp, applied when OutputMax > OutputMin.
	OutputMin float64 `json:"output_min,omitempty"`
	OutputMax float64 `json:"output_max,omitempty"`
}

// Validate checks the config against its mode.
func (cfg Config) Validate() error {
	switch cfg.Mode {
	case ModeLinear:
	case ModePID:
		if cfg.Kp == 0 && cfg.Ki == 0 && cfg.Kd == 0 {
			return errors.New("pid strategy should have at least one Kp, Ki or Kd gain")
		}
	case ModeFeedforward:
		if cfg.Kff == 0 {
			return errors.New("feedforward strategy should have a Kff gain")
		}
	case "":
		return errors.New("strategy mode is required")
	default:
		return errors.Errorf("unknown strategy mode %q", cfg.Mode)
	}
	if cfg.IntegralLimit < 0 {
		return errors.New("integral_limit must not be negative")
	}
	if cfg.OutputMax < cfg.OutputMin {
		return errors.Errorf("invalid output clamp [%v, %v]", cfg.OutputMin, cfg.OutputMax)
	}
	return nil
}

func (cfg Config) clampOutput(v float64) float64 {
	if cfg.OutputMax > cfg.OutputMin {
		if v > cfg.OutputMax {
			return cfg.OutputMax
		}
		if v < cfg.OutputMin {
			return cfg.OutputMin
		}
	}
	return v
}

// Strategy computes the next control signal from the instantaneous target and
// the latest measurement. Implementations are not safe for concurrent use;
// the experiment controller is the only caller.
type Strategy interface {
	// Compute returns the signal to write to the device for this tick.
	Compute(target, measured float64, dt time.Duration) float64

	// Reset clears internal state. Called when an experiment (re)starts and on
	// every stage transition so stale integral and derivative terms never
	// carry across a setpoint jump.
	Reset()

	// Config returns the gains the strategy runs with.
	Config() Config
}

// New builds the strategy selected by cfg.Mode.
func New(cfg Config, logger golog.Logger) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeLinear:
		return &linear{cfg: cfg}, nil
	case ModePID:
		return newPID(cfg, logger), nil
	case ModeFeedforward:
		return newFeedforward(cfg, logger), nil
	}
	return nil, errors.Errorf("unknown strategy mode %q", cfg.Mode)
}
