package protocol

import "fmt"

type State string

const (
	StatePreparing     State = "preparing"
	StateOpening       State = "opening"
	StateActive        State = "active"
	StatePaused        State = "paused"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
	StateSignaledError State = "signaled-error"
	StateUnauthorized  State = "unauthorized"
	StateDisconnected  State = "disconnected"
	StateFinalizing    State = "finalizing"
)

// validTransitions is the session lifecycle: the happy path runs
// preparing -> opening -> active <-> paused -> closing -> closed, with
// error/teardown branches reachable from every non-terminal state.
var validTransitions = map[State][]State{
	StatePreparing:     {StateOpening, StateUnauthorized, StateSignaledError, StateDisconnected},
	StateOpening:       {StateActive, StateUnauthorized, StateSignaledError, StateDisconnected},
	StateActive:        {StatePaused, StateClosing, StateSignaledError, StateDisconnected},
	StatePaused:        {StateActive, StateClosing, StateSignaledError, StateDisconnected},
	StateClosing:       {StateClosed, StateFinalizing, StateSignaledError, StateDisconnected},
	StateFinalizing:    {StateClosed, StateDisconnected},
	StateSignaledError: {StateClosing, StateDisconnected},
	StateUnauthorized:  {StateDisconnected},
	StateClosed:        {StateDisconnected},
	StateDisconnected:  {},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

func (s State) canTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session state transition %s -> %s", e.From, e.To)
}
