// Package domain provides core domain types for deployments.
package domain

import "fmt"

// State represents the lifecycle state of a deployment
type State int

const (
	StateQueued State = iota
	StateChecking
	StateReady
	StateUpdating
	StateRunning
	StateDone
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateChecking:
		return "checking"
	case StateReady:
		return "ready"
	case StateUpdating:
		return "updating"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is absorbing (done, error or aborted)
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateError, StateAborted:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseState(s string) (State, error) {
	switch s {
	case "queued":
		return StateQueued, nil
	case "checking":
		return StateChecking, nil
	case "ready":
		return StateReady, nil
	case "updating":
		return StateUpdating, nil
	case "running":
		return StateRunning, nil
	case "done":
		return StateDone, nil
	case "error":
		return StateError, nil
	case "aborted":
		return StateAborted, nil
	default:
		return StateQueued, fmt.Errorf("invalid deployment state: %q", s)
	}
}

// TerminalStates returns all absorbing states
func TerminalStates() []State {
	return []State{StateDone, StateError, StateAborted}
}

// Outcome is the result of a single lifecycle phase
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
