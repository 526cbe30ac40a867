package training

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when the loop is asked to move between
// states that are not connected
var ErrInvalidTransition = errors.New("invalid loop state transition")

// LoopState is the phase the training loop is in
type LoopState int

const (
	Idle LoopState = iota
	EpochRunning
	Evaluating
	Checkpointed
	Done
)

func (s LoopState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case EpochRunning:
		return "EpochRunning"
	case Evaluating:
		return "Evaluating"
	case Checkpointed:
		return "Checkpointed"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("LoopState(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible
func (s LoopState) IsTerminal() bool {
	return s == Done
}

// StateMachine tracks the loop state and rejects disallowed moves.
// OnTransition, when set, observes every accepted move.
type StateMachine struct {
	state        LoopState
	OnTransition func(from, to LoopState)
}

// State returns the current state
func (m *StateMachine) State() LoopState {
	return m.state
}

// Transition moves to the given state
func (m *StateMachine) Transition(to LoopState) error {
	from := m.state
	if !isAllowedTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	m.state = to
	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
	return nil
}

func isAllowedTransition(from, to LoopState) bool {
	switch from {
	case Idle:
		// Evaluating directly is the test phase
		return to == EpochRunning || to == Evaluating || to == Done
	case EpochRunning:
		return to == EpochRunning || to == Evaluating || to == Done
	case Evaluating:
		return to == Checkpointed || to == EpochRunning || to == Done
	case Checkpointed:
		return to == EpochRunning || to == Done
	default:
		return false
	}
}
