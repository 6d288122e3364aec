package control

import (
	"time"

	"github.com/edaniels/golog"
)

// pid is a discrete PID controller with optional anti-windup clamping.
type pid struct {
	cfg       Config
	integral  float64
	prevError float64
	logger    golog.Logger
}

func newPID(cfg Config, logger golog.Logger) *pid {
	return &pid{cfg: cfg, logger: logger}
}

func (p *pid) Compute(target, measured float64, dt time.Duration) float64 {
	dtS := dt.Seconds()
	err := target - measured

	p.integral += err * dtS
	if lim := p.cfg.IntegralLimit; lim > 0 {
		if p.integral > lim {
			p.integral = lim
		} else if p.integral < -lim {
			p.integral = -lim
		}
	}

	// With dt == 0 the derivative is undefined; drop the term for this tick.
	deriv := 0.0
	if dtS > 0 {
		deriv = (err - p.prevError) / dtS
	}
	p.prevError = err

	out := p.cfg.Kp*err + p.cfg.Ki*p.integral + p.cfg.Kd*deriv
	return p.cfg.clampOutput(out)
}

func (p *pid) Reset() {
	p.integral = 0
	p.prevError = 0
}

func (p *pid) Config() Config {
	return p.cfg
}
