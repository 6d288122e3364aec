package control

import (
	"time"

	"github.com/edaniels/golog"
)

// feedforward combines an open-loop term sized directly from the setpoint
// with a PID correction on the residual error.
type feedforward struct {
	cfg Config
	fb  *pid
}

func newFeedforward(cfg Config, logger golog.Logger) *feedforward {
	// The embedded PID runs unclamped; the combined output is clamped once.
	fbCfg := cfg
	fbCfg.OutputMin = 0
	fbCfg.OutputMax = 0
	return &feedforward{cfg: cfg, fb: newPID(fbCfg, logger)}
}

func (f *feedforward) Compute(target, measured float64, dt time.Duration) float64 {
	out := f.cfg.Kff*target + f.fb.Compute(target, measured, dt)
	return f.cfg.clampOutput(out)
}

func (f *feedforward) Reset() {
	f.fb.Reset()
}

func (f *feedforward) Config() Config {
	return f.cfg
}
