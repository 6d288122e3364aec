// Package experiment runs the sampling loop: every tick it reads the device,
// advances the stage sequencer, computes the next control signal, writes it
// back, and publishes a sample. The loop never blocks on consumers and only
// blocks on the device for a bounded register exchange.
package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/anodize-io/psuctrl/control"
	"github.com/anodize-io/psuctrl/data"
	"github.com/anodize-io/psuctrl/modbus"
	"github.com/anodize-io/psuctrl/powersupply"
	"github.com/anodize-io/psuctrl/stage"
)

// Device is the slice of the power supply facade the loop needs. Satisfied by
// *powersupply.Supply and by fakes in tests.
type Device interface {
	Get(ctx context.Context, q powersupply.Quantity) (float64, error)
	Set(ctx context.Context, q powersupply.Quantity, value float64) error
	ProtectionFlags(ctx context.Context) (powersupply.ProtectionState, error)
}

// Config describes one run. It is validated at Start and immutable afterwards.
type Config struct {
	// Interval is the fixed sampling period.
	Interval time.Duration `json:"interval"`

	Stages []stage.Stage `json:"stages"`

	Strategy control.Config `json:"strategy"`

	// MaxConsecutiveFailures bounds how many ticks in a row may fail on
	// communication before the run faults.
	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`
}

func (cfg *Config) populateDefaults() {
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 3
	}
}

// Validate checks the config before a run starts.
func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return errors.Errorf("sampling interval must be positive, got %v", cfg.Interval)
	}
	if len(cfg.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return errors.Wrap(err, "strategy")
	}
	if cfg.MaxConsecutiveFailures < 0 {
		return errors.New("max_consecutive_failures must not be negative")
	}
	return nil
}

// Controller owns the experiment state machine and the sampling loop.
type Controller struct {
	device Device
	dist   *data.Distributor
	clock  clock.Clock
	logger golog.Logger

	mu          sync.Mutex
	state       RunState
	faultReason error
	cancel      func()

	// Loop-owned, never touched concurrently.
	cfg         Config
	seq         *stage.Sequencer
	strategy    control.Strategy
	consecutive int

	activeBackgroundWorkers sync.WaitGroup
}

// NewController wires the loop to a device and a sample distributor. Pass
// clock.New() outside of tests.
func NewController(device Device, dist *data.Distributor, clk clock.Clock, logger golog.Logger) *Controller {
	return &Controller{
		device: device,
		dist:   dist,
		clock:  clk,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the current run state.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FaultReason returns why the run faulted, or nil. Retained until the next
// Start so an operator can read it after the fact.
func (c *Controller) FaultReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faultReason
}

// Start validates cfg, resets the sequencer and strategy, and begins the
// periodic tick. Restarting a faulted controller clears the fault.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle, StateStopped, StateFaulted:
	default:
		return &InvalidStateError{Op: "start", State: c.state}
	}

	cfg.populateDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	seq, err := stage.NewSequencer(cfg.Stages...)
	if err != nil {
		return err
	}
	strategy, err := control.New(cfg.Strategy, c.logger)
	if err != nil {
		return err
	}
	if err := seq.Start(); err != nil {
		return err
	}
	strategy.Reset()

	c.cfg = cfg
	c.seq = seq
	c.strategy = strategy
	c.consecutive = 0
	c.faultReason = nil
	c.state = StateRunning

	cancelCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Infow("experiment started",
		"interval", cfg.Interval, "stages", len(cfg.Stages), "strategy", cfg.Strategy.Mode)

	ticker := c.clock.Ticker(cfg.Interval)
	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}
			if !c.tick(cancelCtx) {
				return
			}
		}
	}, c.activeBackgroundWorkers.Done)
	return nil
}

// Stop ends a running experiment. The in-flight tick completes first; the
// device keeps its last written setpoint. Idempotent once stopped.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.state = StateStopping
		c.cancel()
	case StateStopping, StateStopped, StateFaulted, StateIdle:
		c.mu.Unlock()
		c.waitForWorkers()
		return nil
	}
	c.mu.Unlock()

	c.waitForWorkers()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopping {
		c.state = StateStopped
	}
	c.logger.Info("experiment stopped")
	return nil
}

// Close stops the experiment and releases the loop.
func (c *Controller) Close(ctx context.Context) error {
	return c.Stop(ctx)
}

func (c *Controller) waitForWorkers() {
	c.activeBackgroundWorkers.Wait()
}

// tick performs one control cycle. It returns false when the loop must end:
// sequence complete, faulted, or stopped.
func (c *Controller) tick(ctx context.Context) bool {
	dt := c.cfg.Interval

	measured, err := c.device.Get(ctx, powersupply.Voltage)
	if cont, alive := c.handleDeviceError(err, "reading voltage"); !cont {
		return alive
	}
	measuredCurrent, err := c.device.Get(ctx, powersupply.Current)
	if cont, alive := c.handleDeviceError(err, "reading current"); !cont {
		return alive
	}

	tk, err := c.seq.Advance(dt)
	if err != nil {
		c.fault(err)
		return false
	}
	if tk.Done {
		c.finish()
		return false
	}
	if tk.Transitioned {
		// Discontinuous setpoint jump: drop stale integral/derivative state so
		// the new stage starts without transient overshoot.
		c.strategy.Reset()
		c.logger.Debugw("stage transition", "stage", tk.Index)
	}

	signal := c.strategy.Compute(tk.Target, measured, dt)
	err = c.device.Set(ctx, powersupply.VoltageSetpoint, signal)
	if cont, alive := c.handleDeviceError(err, "writing control signal"); !cont {
		return alive
	}

	flags, err := c.device.ProtectionFlags(ctx)
	if cont, alive := c.handleDeviceError(err, "reading protection flags"); !cont {
		return alive
	}
	if flags.Tripped() {
		c.fault(&ProtectionFaultError{State: flags})
		return false
	}

	mode, err := c.device.Get(ctx, powersupply.OperativeMode)
	if cont, alive := c.handleDeviceError(err, "reading operative mode"); !cont {
		return alive
	}

	c.consecutive = 0
	c.dist.Publish(data.Sample{
		Timestamp:       c.clock.Now(),
		Target:          tk.Target,
		Measured:        measured,
		ControlSignal:   signal,
		Mode:            uint16(mode),
		MeasuredCurrent: measuredCurrent,
		Strategy:        c.strategy.Config(),
	})
	return true
}

// handleDeviceError sorts a device access result. cont reports whether the
// tick may continue; when it may not, alive reports whether the loop survives
// to the next tick. Transient communication errors are self-healing up to the
// configured bound; anything else faults the run.
func (c *Controller) handleDeviceError(err error, op string) (cont, alive bool) {
	if err == nil {
		return true, true
	}
	if modbus.IsCommunicationError(err) {
		c.consecutive++
		c.logger.Warnw("device communication failed, skipping tick",
			"op", op, "consecutive", c.consecutive, "error", err)
		if c.consecutive > c.cfg.MaxConsecutiveFailures {
			c.fault(errors.Wrapf(err, "communication failed %d ticks in a row", c.consecutive))
			return false, false
		}
		return false, true
	}
	c.fault(errors.Wrap(err, op))
	return false, false
}

// finish ends a completed run: the final sample is already with the
// distributor, nothing is left to flush.
func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopping
	c.cancel()
	c.state = StateStopped
	c.logger.Info("stage sequence complete, experiment stopped")
}

func (c *Controller) fault(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFaulted
	c.faultReason = reason
	c.cancel()
	c.logger.Errorw("experiment faulted", "reason", reason)
}
