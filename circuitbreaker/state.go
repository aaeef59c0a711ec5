package circuitbreaker

import "fmt"

// State is the circuit state of one downstream key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) IsOpen() bool     { return s == StateOpen }
func (s State) IsClosed() bool   { return s == StateClosed }
func (s State) IsHalfOpen() bool { return s == StateHalfOpen }

func parseState(raw int64) (State, error) {
	switch state := State(raw); state {
	case StateClosed, StateOpen, StateHalfOpen:
		return state, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %d", raw)
	}
}
