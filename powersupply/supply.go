// Package powersupply gives typed access to a programmable bench power supply
// behind a register protocol: named quantities instead of raw addresses,
// physical floats instead of scaled integers, and range checks before
// anything touches the wire.
package powersupply

import (
	"context"
	"fmt"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// RegisterClient is the protocol client the facade drives. Implemented by
// *modbus.Client and by in-memory register stores in tests.
type RegisterClient interface {
	ReadRegisters(ctx context.Context, addr, count uint16) ([]uint16, error)
	WriteRegister(ctx context.Context, addr, value uint16) error
	WriteRegisters(ctx context.Context, addr uint16, values []uint16) error
}

// Limits bound what Set accepts, checked before any device write.
type Limits struct {
	MaxVoltage float64 `json:"max_voltage"`
	MaxCurrent float64 `json:"max_current"`
	MaxPower   float64 `json:"max_power,omitempty"`
}

// ValidationError rejects a setpoint before it reaches the device.
type ValidationError struct {
	Quantity Quantity
	Value    float64
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for %s: %s", e.Value, e.Quantity, e.Reason)
}

// Config configures a Supply.
type Config struct {
	// Registers overrides the register layout; nil selects DefaultRegisterMap.
	Registers RegisterMap `json:"-"`

	Limits Limits `json:"limits"`

	// Fixed scale factors (raw counts per volt/amp/watt). Zero means probe the
	// device's decimal-digits register on Connect.
	VoltageScale float64 `json:"voltage_scale,omitempty"`
	CurrentScale float64 `json:"current_scale,omitempty"`
	PowerScale   float64 `json:"power_scale,omitempty"`
}

// Supply is the device facade. It owns no protocol state; all serialization
// happens in the underlying client.
type Supply struct {
	client RegisterClient
	regs   RegisterMap
	limits Limits
	scales map[Unit]float64
	logger golog.Logger
}

// New builds a facade over client. Call Connect before the first Get/Set if
// scale factors are probed from the device.
func New(client RegisterClient, cfg Config, logger golog.Logger) (*Supply, error) {
	if client == nil {
		return nil, errors.New("register client is required")
	}
	regs := cfg.Registers
	if regs == nil {
		regs = DefaultRegisterMap()
	}
	scales := map[Unit]float64{
		UnitNone:  1,
		UnitVolts: cfg.VoltageScale,
		UnitAmps:  cfg.CurrentScale,
		UnitWatts: cfg.PowerScale,
	}
	return &Supply{
		client: client,
		regs:   regs,
		limits: cfg.Limits,
		scales: scales,
		logger: logger,
	}, nil
}

// Connect probes the supply: scale digits (one nibble per unit class, watts
// low, then amps, then volts), the current protection status, and drives the
// voltage setpoint to zero so an experiment always starts from a known state.
func (s *Supply) Connect(ctx context.Context) error {
	if s.scales[UnitVolts] == 0 || s.scales[UnitAmps] == 0 || s.scales[UnitWatts] == 0 {
		raw, err := s.readRaw(ctx, ScaleDigits)
		if err != nil {
			return errors.Wrap(err, "probing scale digits")
		}
		dot := uint16(raw)
		wattScale := math.Pow(10, float64(dot&0x0F))
		ampScale := math.Pow(10, float64((dot>>4)&0x0F))
		voltScale := math.Pow(10, float64((dot>>8)&0x0F))
		if s.scales[UnitWatts] == 0 {
			s.scales[UnitWatts] = wattScale
		}
		if s.scales[UnitAmps] == 0 {
			s.scales[UnitAmps] = ampScale
		}
		if s.scales[UnitVolts] == 0 {
			s.scales[UnitVolts] = voltScale
		}
		s.logger.Debugw("probed scale factors",
			"volts", s.scales[UnitVolts], "amps", s.scales[UnitAmps], "watts", s.scales[UnitWatts])
	}

	state, err := s.ProtectionFlags(ctx)
	if err != nil {
		return err
	}
	if state.Tripped() {
		s.logger.Warnw("supply connected with protection tripped", "state", state.String())
	}
	return s.Set(ctx, VoltageSetpoint, 0)
}

// Get reads a quantity and returns it in physical units.
func (s *Supply) Get(ctx context.Context, q Quantity) (float64, error) {
	spec, ok := s.regs[q]
	if !ok {
		return 0, errors.Errorf("unknown quantity %q", q)
	}
	raw, err := s.readRaw(ctx, q)
	if err != nil {
		return 0, err
	}
	return float64(raw) / s.scale(spec.Unit), nil
}

// Set validates value against the configured limits and writes it. Validation
// failures never reach the wire.
func (s *Supply) Set(ctx context.Context, q Quantity, value float64) error {
	spec, ok := s.regs[q]
	if !ok {
		return errors.Errorf("unknown quantity %q", q)
	}
	if spec.Access != ReadWrite {
		return &ValidationError{Quantity: q, Value: value, Reason: "quantity is read-only"}
	}
	if err := s.checkRange(q, spec.Unit, value); err != nil {
		return err
	}

	raw := uint32(value*s.scale(spec.Unit) + 0.5)
	if spec.Words == 2 {
		return s.client.WriteRegisters(ctx, spec.Address, []uint16{uint16(raw >> 16), uint16(raw & 0xFFFF)})
	}
	if raw > math.MaxUint16 {
		return &ValidationError{Quantity: q, Value: value, Reason: "scaled value overflows the register"}
	}
	return s.client.WriteRegister(ctx, spec.Address, uint16(raw))
}

// ProtectionFlags reads and decodes the protection status register.
func (s *Supply) ProtectionFlags(ctx context.Context) (ProtectionState, error) {
	raw, err := s.readRaw(ctx, ProtectionStatus)
	if err != nil {
		return 0, err
	}
	return ProtectionState(raw) & (OverVoltage | OverCurrent | OverPower | OverTemperature | ShortCircuit), nil
}

func (s *Supply) checkRange(q Quantity, unit Unit, value float64) error {
	if value < 0 {
		return &ValidationError{Quantity: q, Value: value, Reason: "must not be negative"}
	}
	max := 0.0
	switch unit {
	case UnitVolts:
		max = s.limits.MaxVoltage
	case UnitAmps:
		max = s.limits.MaxCurrent
	case UnitWatts:
		max = s.limits.MaxPower
	case UnitNone:
	}
	if max > 0 && value > max {
		return &ValidationError{Quantity: q, Value: value, Reason: fmt.Sprintf("exceeds configured limit %v", max)}
	}
	return nil
}

func (s *Supply) scale(unit Unit) float64 {
	if sc := s.scales[unit]; sc > 0 {
		return sc
	}
	return 1
}

// readRaw reads the one or two registers backing q and widens them.
func (s *Supply) readRaw(ctx context.Context, q Quantity) (uint32, error) {
	spec := s.regs[q]
	words := spec.Words
	if words == 0 {
		words = 1
	}
	values, err := s.client.ReadRegisters(ctx, spec.Address, uint16(words))
	if err != nil {
		// Communication errors pass through untouched; retry policy lives with
		// the experiment controller.
		return 0, err
	}
	if len(values) != words {
		return 0, errors.Errorf("expected %d registers for %s, got %d", words, q, len(values))
	}
	if words == 2 {
		return uint32(values[0])<<16 | uint32(values[1]), nil
	}
	return uint32(values[0]), nil
}
