package powersupply

import (
	"context"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/anodize-io/psuctrl/modbus"
)

// memoryRegisters is an in-memory register store standing in for a device.
type memoryRegisters struct {
	mu      sync.Mutex
	regs    map[uint16]uint16
	nextErr error
	writes  int
}

func newMemoryRegisters(init map[uint16]uint16) *memoryRegisters {
	regs := map[uint16]uint16{}
	for k, v := range init {
		regs[k] = v
	}
	return &memoryRegisters{regs: regs}
}

func (m *memoryRegisters) takeErr() error {
	err := m.nextErr
	m.nextErr = nil
	return err
}

func (m *memoryRegisters) ReadRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = m.regs[addr+uint16(i)]
	}
	return values, nil
}

func (m *memoryRegisters) WriteRegister(ctx context.Context, addr, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return err
	}
	m.writes++
	m.regs[addr] = value
	return nil
}

func (m *memoryRegisters) WriteRegisters(ctx context.Context, addr uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return err
	}
	m.writes++
	for i, v := range values {
		m.regs[addr+uint16(i)] = v
	}
	return nil
}

func testSupply(t *testing.T, store *memoryRegisters) *Supply {
	t.Helper()
	s, err := New(store, Config{
		Limits:       Limits{MaxVoltage: 30, MaxCurrent: 5},
		VoltageScale: 100,
		CurrentScale: 1000,
		PowerScale:   10,
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRegisters(nil)
	s := testSupply(t, store)

	for _, v := range []float64{0, 0.01, 5.0, 12.34, 29.99} {
		test.That(t, s.Set(ctx, VoltageSetpoint, v), test.ShouldBeNil)
		got, err := s.Get(ctx, VoltageSetpoint)
		test.That(t, err, test.ShouldBeNil)
		// Round-trip error is bounded by one scale unit (0.01 V here).
		test.That(t, got, test.ShouldAlmostEqual, v, 0.01)
	}
}

func TestSetValidation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRegisters(nil)
	s := testSupply(t, store)

	for _, tc := range []struct {
		q      Quantity
		value  float64
		reason string
	}{
		{VoltageSetpoint, -1, "must not be negative"},
		{VoltageSetpoint, 30.5, "exceeds configured limit 30"},
		{CurrentSetpoint, 5.5, "exceeds configured limit 5"},
		{Voltage, 3, "quantity is read-only"},
	} {
		err := s.Set(ctx, tc.q, tc.value)
		test.That(t, err, test.ShouldNotBeNil)
		var valErr *ValidationError
		test.That(t, errors.As(err, &valErr), test.ShouldBeTrue)
		test.That(t, valErr.Reason, test.ShouldEqual, tc.reason)
	}
	// Nothing invalid may reach the wire.
	test.That(t, store.writes, test.ShouldEqual, 0)
}

func TestTwoWordQuantity(t *testing.T) {
	ctx := context.Background()
	// 123456 raw over two registers, power scale 10 => 12345.6 W.
	store := newMemoryRegisters(map[uint16]uint16{
		0x0012: uint16(123456 >> 16),
		0x0013: uint16(123456 & 0xFFFF),
	})
	s := testSupply(t, store)

	got, err := s.Get(ctx, Power)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldAlmostEqual, 12345.6, 1e-9)
}

func TestProtectionFlags(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRegisters(map[uint16]uint16{0x0002: 0x0009}) // OVP|OTP
	s := testSupply(t, store)

	state, err := s.ProtectionFlags(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state.Tripped(), test.ShouldBeTrue)
	test.That(t, state&OverVoltage, test.ShouldNotEqual, ProtectionState(0))
	test.That(t, state&OverTemperature, test.ShouldNotEqual, ProtectionState(0))
	test.That(t, state&OverCurrent, test.ShouldEqual, ProtectionState(0))
	test.That(t, state.String(), test.ShouldEqual, "over-voltage|over-temperature")
}

func TestConnectProbesScales(t *testing.T) {
	ctx := context.Background()
	// volts: 2 decimals, amps: 3, watts: 1.
	store := newMemoryRegisters(map[uint16]uint16{0x0005: 0x0231})
	s, err := New(store, Config{Limits: Limits{MaxVoltage: 30, MaxCurrent: 5}}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, s.Connect(ctx), test.ShouldBeNil)
	test.That(t, s.scales[UnitVolts], test.ShouldEqual, 100.0)
	test.That(t, s.scales[UnitAmps], test.ShouldEqual, 1000.0)
	test.That(t, s.scales[UnitWatts], test.ShouldEqual, 10.0)
	// Connect parks the setpoint at zero.
	test.That(t, store.regs[0x0030], test.ShouldEqual, uint16(0))
	test.That(t, store.writes, test.ShouldEqual, 1)
}

func TestCommunicationErrorPassthrough(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRegisters(nil)
	s := testSupply(t, store)

	commErr := &modbus.CommunicationError{Op: "read registers", Attempts: 3, Cause: modbus.ErrTimeout}
	store.nextErr = commErr
	_, err := s.Get(ctx, Voltage)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, modbus.IsCommunicationError(err), test.ShouldBeTrue)

	store.nextErr = commErr
	err = s.Set(ctx, VoltageSetpoint, 1)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, modbus.IsCommunicationError(err), test.ShouldBeTrue)
}
