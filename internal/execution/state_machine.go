package execution

// State is the lifecycle state of a tracked workflow execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// transitions is the complete state machine. A terminal state has no
// outgoing edges; out-of-order delivery may legitimately skip `running`.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateSucceeded, StateFailed, StateCancelled, StateTimedOut},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled, StateTimedOut},
}

// Terminal reports whether s is a final state. Terminal states are never
// left.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateForStatus maps an inbound status value to a target state.
func StateForStatus(status string) (State, bool) {
	switch status {
	case "running":
		return StateRunning, true
	case "succeeded":
		return StateSucceeded, true
	case "failed":
		return StateFailed, true
	case "cancelled":
		return StateCancelled, true
	}
	return "", false
}
