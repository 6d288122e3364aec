package powersupply

import "strings"

// Quantity names a physical quantity or setting exposed by the supply.
type Quantity string

// The quantities the supported register layout exposes.
const (
	Voltage          Quantity = "voltage"
	Current          Quantity = "current"
	Power            Quantity = "power"
	VoltageSetpoint  Quantity = "voltage_setpoint"
	CurrentSetpoint  Quantity = "current_setpoint"
	OverVoltageLimit Quantity = "over_voltage_limit"
	OverCurrentLimit Quantity = "over_current_limit"
	OverPowerLimit   Quantity = "over_power_limit"
	OperativeMode    Quantity = "operative_mode"
	ProtectionStatus Quantity = "protection_status"
	ScaleDigits      Quantity = "scale_digits"
	ModelName        Quantity = "model_name"
	SlaveAddress     Quantity = "slave_address"
)

// Unit classifies a quantity for scaling and range checks.
type Unit int

// The unit classes scale factors apply to.
const (
	UnitNone Unit = iota
	UnitVolts
	UnitAmps
	UnitWatts
)

// Access marks whether a register may be written.
type Access int

// Register access modes.
const (
	ReadOnly Access = iota
	ReadWrite
)

// RegisterSpec locates one quantity on the wire. Words is 1 or 2; two-word
// values are big-endian across consecutive registers.
type RegisterSpec struct {
	Address uint16
	Words   int
	Access  Access
	Unit    Unit
}

// RegisterMap is the constant quantity-to-register layout for one supply
// family. It is built once at startup and never mutated.
type RegisterMap map[Quantity]RegisterSpec

// DefaultRegisterMap returns the layout of the supported bench supplies.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		OperativeMode:    {Address: 0x0001, Words: 1, Access: ReadOnly, Unit: UnitNone},
		ProtectionStatus: {Address: 0x0002, Words: 1, Access: ReadOnly, Unit: UnitNone},
		ModelName:        {Address: 0x0003, Words: 1, Access: ReadOnly, Unit: UnitNone},
		ScaleDigits:      {Address: 0x0005, Words: 1, Access: ReadOnly, Unit: UnitNone},
		Voltage:          {Address: 0x0010, Words: 1, Access: ReadOnly, Unit: UnitVolts},
		Current:          {Address: 0x0011, Words: 1, Access: ReadOnly, Unit: UnitAmps},
		Power:            {Address: 0x0012, Words: 2, Access: ReadOnly, Unit: UnitWatts},
		OverVoltageLimit: {Address: 0x0020, Words: 1, Access: ReadWrite, Unit: UnitVolts},
		OverCurrentLimit: {Address: 0x0021, Words: 1, Access: ReadWrite, Unit: UnitAmps},
		OverPowerLimit:   {Address: 0x0022, Words: 2, Access: ReadWrite, Unit: UnitWatts},
		VoltageSetpoint:  {Address: 0x0030, Words: 1, Access: ReadWrite, Unit: UnitVolts},
		CurrentSetpoint:  {Address: 0x0031, Words: 1, Access: ReadWrite, Unit: UnitAmps},
		SlaveAddress:     {Address: 0x9999, Words: 1, Access: ReadWrite, Unit: UnitNone},
	}
}

// ProtectionState is the decoded protection status register.
type ProtectionState uint16

// Protection flags as laid out in the status register.
const (
	OverVoltage     ProtectionState = 1 << 0
	OverCurrent     ProtectionState = 1 << 1
	OverPower       ProtectionState = 1 << 2
	OverTemperature ProtectionState = 1 << 3
	ShortCircuit    ProtectionState = 1 << 4
)

// Tripped reports whether any protection has fired.
func (s ProtectionState) Tripped() bool {
	return s != 0
}

func (s ProtectionState) String() string {
	if s == 0 {
		return "ok"
	}
	var names []string
	for _, f := range []struct {
		flag ProtectionState
		name string
	}{
		{OverVoltage, "over-voltage"},
		{OverCurrent, "over-current"},
		{OverPower, "over-power"},
		{OverTemperature, "over-temperature"},
		{ShortCircuit, "short-circuit"},
	} {
		if s&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "|")
}
