// Package stage sequences an experiment through timed setpoint ramps. A
// Sequencer owns the stage list exclusively; the experiment controller only
// ever asks it for the instantaneous target.
package stage

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Stage is one timed segment: the setpoint ramps linearly from Start to End
// over Duration.
type Stage struct {
	Start    float64       `json:"start"`
	End      float64       `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Validate checks a single stage.
func (s Stage) Validate() error {
	if s.Duration <= 0 {
		return errors.Errorf("stage duration must be positive, got %v", s.Duration)
	}
	return nil
}

// State is the sequencer lifecycle state.
type State int

// The sequencer states.
const (
	StateIdle State = iota
	StateRunning
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// ErrEmptySequence is returned by Start when no stages are configured.
var ErrEmptySequence = errors.New("no stages configured")

// InvalidStateError rejects an operation attempted in the wrong lifecycle
// state, such as editing stages mid-run.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while sequencer is %s", e.Op, e.State)
}

// Tick is the result of advancing the sequencer by one sampling period.
type Tick struct {
	// Target is the interpolated setpoint for this tick.
	Target float64
	// Index is the active stage.
	Index int
	// Transitioned is set on the first tick of a new stage so the controller
	// can reset strategy state.
	Transitioned bool
	// Done is set once the sequence is exhausted; Target is meaningless then.
	Done bool
}

// Sequencer walks an ordered stage list. Not safe for concurrent use; it is
// owned by the experiment controller's loop.
type Sequencer struct {
	stages  []Stage
	state   State
	index   int
	elapsed time.Duration
}

// NewSequencer builds an idle sequencer over the given stages.
func NewSequencer(stages ...Stage) (*Sequencer, error) {
	for i, s := range stages {
		if err := s.Validate(); err != nil {
			return nil, errors.Wrapf(err, "stage %d", i)
		}
	}
	return &Sequencer{stages: append([]Stage(nil), stages...)}, nil
}

// Stages returns a copy of the configured stages.
func (s *Sequencer) Stages() []Stage {
	return append([]Stage(nil), s.stages...)
}

// State returns the lifecycle state.
func (s *Sequencer) State() State {
	return s.state
}

// Add appends a stage. Permitted only while idle.
func (s *Sequencer) Add(st Stage) error {
	if s.state != StateIdle {
		return &InvalidStateError{Op: "add a stage", State: s.state}
	}
	if err := st.Validate(); err != nil {
		return err
	}
	s.stages = append(s.stages, st)
	return nil
}

// Remove deletes the stage at index i. Permitted only while idle.
func (s *Sequencer) Remove(i int) error {
	if s.state != StateIdle {
		return &InvalidStateError{Op: "remove a stage", State: s.state}
	}
	if i < 0 || i >= len(s.stages) {
		return errors.Errorf("no stage at index %d", i)
	}
	s.stages = append(s.stages[:i], s.stages[i+1:]...)
	return nil
}

// Clear removes all stages. Permitted only while idle.
func (s *Sequencer) Clear() error {
	if s.state != StateIdle {
		return &InvalidStateError{Op: "clear stages", State: s.state}
	}
	s.stages = nil
	return nil
}

// Start moves the cursor to the beginning of the first stage.
func (s *Sequencer) Start() error {
	if len(s.stages) == 0 {
		return ErrEmptySequence
	}
	s.state = StateRunning
	s.index = 0
	s.elapsed = 0
	return nil
}

// Reset returns the sequencer to idle so stages may be edited again.
func (s *Sequencer) Reset() {
	s.state = StateIdle
	s.index = 0
	s.elapsed = 0
}

// Advance moves the cursor forward by dt and reports the tick's target.
//
// The target is sampled after elapsed advances, with elapsed clamped to the
// stage duration, so the last tick of every stage commands that stage's end
// value exactly even when dt does not divide the duration. The transition to
// the next stage happens on the following Advance, whose tick carries the
// Transitioned flag and the new stage's first post-increment target.
func (s *Sequencer) Advance(dt time.Duration) (Tick, error) {
	switch s.state {
	case StateComplete:
		return Tick{Done: true}, nil
	case StateRunning:
	default:
		return Tick{}, &InvalidStateError{Op: "advance", State: s.state}
	}

	transitioned := false
	cur := s.stages[s.index]
	if s.elapsed >= cur.Duration {
		s.index++
		s.elapsed = 0
		if s.index >= len(s.stages) {
			s.state = StateComplete
			return Tick{Done: true}, nil
		}
		transitioned = true
		cur = s.stages[s.index]
	}

	s.elapsed += dt
	if s.elapsed > cur.Duration {
		s.elapsed = cur.Duration
	}
	frac := float64(s.elapsed) / float64(cur.Duration)
	return Tick{
		Target:       cur.Start + (cur.End-cur.Start)*frac,
		Index:        s.index,
		Transitioned: transitioned,
	}, nil
}
