package execution

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateSucceeded, true},
		{StatePending, StateTimedOut, true},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StatePending, false},
		{StateSucceeded, StateRunning, false},
		{StateFailed, StateSucceeded, false},
		{StateCancelled, StateRunning, false},
		{StateTimedOut, StateFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []State{StateSucceeded, StateFailed, StateCancelled, StateTimedOut}
	all := []State{StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled, StateTimedOut}

	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestStateForStatus(t *testing.T) {
	for status, want := range map[string]State{
		"running":   StateRunning,
		"succeeded": StateSucceeded,
		"failed":    StateFailed,
		"cancelled": StateCancelled,
	} {
		got, ok := StateForStatus(status)
		if !ok || got != want {
			t.Errorf("StateForStatus(%q) = %s/%v, want %s", status, got, ok, want)
		}
	}
	if _, ok := StateForStatus("timed_out"); ok {
		t.Error("timed_out is sweeper-driven, not an inbound status")
	}
	if _, ok := StateForStatus("nonsense"); ok {
		t.Error("unknown status must not map to a state")
	}
}
