package experiment

import (
	"fmt"

	"github.com/anodize-io/psuctrl/powersupply"
)

// RunState is the experiment lifecycle state, owned solely by the Controller.
type RunState int

// The run states.
const (
	StateIdle RunState = iota
	StateRunning
	StateStopping
	StateStopped
	StateFaulted
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

// InvalidStateError rejects a lifecycle operation attempted in the wrong state.
type InvalidStateError struct {
	Op    string
	State RunState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while experiment is %s", e.Op, e.State)
}

// ProtectionFaultError is raised when the device reports a tripped protection.
// The run halts immediately and requires an explicit restart.
type ProtectionFaultError struct {
	State powersupply.ProtectionState
}

func (e *ProtectionFaultError) Error() string {
	return fmt.Sprintf("device protection tripped: %s", e.State)
}
