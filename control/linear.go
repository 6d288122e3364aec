package control

import "time"

// linear passes the target through unchanged. Pure feedforward, no state.
type linear struct {
	cfg Config
}

func (l *linear) Compute(target, measured float64, dt time.Duration) float64 {
	return l.cfg.clampOutput(target)
}

func (l *linear) Reset() {}

func (l *linear) Config() Config {
	return l.cfg
}
