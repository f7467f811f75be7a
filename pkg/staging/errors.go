package staging

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is returned when an operation is invoked outside the
	// lifecycle states it is allowed in. It is a programming error and must not
	// be retried.
	ErrIllegalState = errors.New("illegal staging store state")

	// ErrIncomplete marks a pass that stopped early because its context was
	// cancelled. Work committed before the interruption is kept.
	ErrIncomplete = errors.New("incomplete")
)

// State is the lifecycle state of a Store.
type State int

const (
	StateClosed State = iota
	StateBatch
	StateSyncing
	StateTransactional
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateBatch:
		return "BATCH"
	case StateSyncing:
		return "SYNCING"
	case StateTransactional:
		return "TRANSACTIONAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateError reports an operation called in the wrong lifecycle state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("staging: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrIllegalState
}

func incomplete(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIncomplete, cause)
}
