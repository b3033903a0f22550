package execution

import (
	"context"
	"testing"
	"time"

	"bridge-backend/internal/config"
	"bridge-backend/internal/store"
	"bridge-backend/internal/webhook"
)

type memExecutionStore struct {
	execs map[string]*Execution
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{execs: map[string]*Execution{}}
}

func (m *memExecutionStore) Create(ctx context.Context, exec *Execution) error {
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *memExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	exec, ok := m.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *memExecutionStore) ApplyTransition(ctx context.Context, exec *Execution) (bool, error) {
	stored, ok := m.execs[exec.ID]
	if !ok {
		return false, nil
	}
	// Mirrors the guarded UPDATE: version must advance and no terminal
	// state may have been reached.
	if stored.TerminalAt != nil || stored.Version >= exec.Version {
		return false, nil
	}
	cp := *exec
	m.execs[exec.ID] = &cp
	return true, nil
}

func (m *memExecutionStore) SetErrorRef(ctx context.Context, id, errorID string) error {
	if exec, ok := m.execs[id]; ok {
		exec.ErrorID = errorID
	}
	return nil
}

func (m *memExecutionStore) FindTimedOut(ctx context.Context, now time.Time) ([]*Execution, error) {
	var out []*Execution
	for _, exec := range m.execs {
		if exec.TerminalAt == nil && exec.TimeoutAt != nil && exec.TimeoutAt.Before(now) {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memExecutionStore) ListRecent(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	var out []*Execution
	for _, exec := range m.execs {
		if workflowID == "" || exec.WorkflowID == workflowID {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memMonitor struct {
	errors   []string
	failures []string
}

func (m *memMonitor) RecordExecutionError(ctx context.Context, workflowID, executionID, category, severity, message string) (string, error) {
	m.errors = append(m.errors, category+"/"+severity)
	return "err_" + executionID, nil
}

func (m *memMonitor) ExecutionFailed(ctx context.Context, workflowID, executionID string) {
	m.failures = append(m.failures, workflowID)
}

func newTestTracker() (*Tracker, *memExecutionStore, *memMonitor) {
	execs := newMemExecutionStore()
	mon := &memMonitor{}
	tracker := NewTracker(execs, mon, config.ExecutionConfig{TimeoutSweepSec: 60, DefaultTimeoutSec: 3600})
	return tracker, execs, mon
}

func statusEvent(executionID, status string, seq int) *webhook.Event {
	payload := map[string]any{
		"event":        "execution.status",
		"workflow_id":  "wf_reports",
		"execution_id": executionID,
		"status":       status,
	}
	if seq > 0 {
		payload["sequence"] = float64(seq)
	}
	return &webhook.Event{ID: webhook.NewEventID(), Category: webhook.CategoryExecutionStatus, Payload: payload}
}

func TestTrackerHappyPath(t *testing.T) {
	tracker, execs, _ := newTestTracker()
	ctx := context.Background()

	exec, err := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if exec.State != StatePending || exec.Version != 0 {
		t.Fatalf("new execution = %s v%d, want pending v0", exec.State, exec.Version)
	}
	if exec.TimeoutAt == nil {
		t.Fatal("expected a timeout deadline")
	}

	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "running", 1)); err != nil {
		t.Fatalf("running event: %v", err)
	}
	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateRunning || got.Version != 1 {
		t.Fatalf("after running: %s v%d, want running v1", got.State, got.Version)
	}

	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "succeeded", 2)); err != nil {
		t.Fatalf("succeeded event: %v", err)
	}
	got, _ = execs.Get(ctx, exec.ID)
	if got.State != StateSucceeded || got.Version != 2 {
		t.Fatalf("after succeeded: %s v%d, want succeeded v2", got.State, got.Version)
	}
	if got.TerminalAt == nil {
		t.Fatal("terminal-at must be set on terminal state")
	}
}

func TestTrackerDuplicateDeliveryIsIdempotent(t *testing.T) {
	tracker, execs, mon := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	evt := statusEvent(exec.ID, "succeeded", 2)

	if err := tracker.ProcessEvent(ctx, evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, _ := execs.Get(ctx, exec.ID)

	if err := tracker.ProcessEvent(ctx, evt); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	second, _ := execs.Get(ctx, exec.ID)

	if second.State != first.State || second.Version != first.Version {
		t.Fatalf("duplicate changed state: %s v%d -> %s v%d", first.State, first.Version, second.State, second.Version)
	}
	if !second.TerminalAt.Equal(*first.TerminalAt) {
		t.Fatal("duplicate must not move terminal-at")
	}
	if len(mon.errors) != 0 {
		t.Fatalf("expected no errors recorded, got %v", mon.errors)
	}
}

func TestTrackerIgnoresStaleSequence(t *testing.T) {
	tracker, execs, _ := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "running", 3)); err != nil {
		t.Fatalf("running event: %v", err)
	}

	// A delayed retry of an older transition arrives out of order.
	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "succeeded", 2)); err != nil {
		t.Fatalf("stale event: %v", err)
	}
	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateRunning || got.Version != 3 {
		t.Fatalf("stale sequence applied: %s v%d", got.State, got.Version)
	}
}

func TestTrackerIgnoresUnknownExecution(t *testing.T) {
	tracker, _, mon := newTestTracker()

	if err := tracker.ProcessEvent(context.Background(), statusEvent("exec_ghost", "running", 1)); err != nil {
		t.Fatalf("unknown execution must be ignored, got %v", err)
	}
	if len(mon.errors) != 0 {
		t.Fatal("unknown execution must not record errors")
	}
}

func TestTrackerFailureRecordsError(t *testing.T) {
	tracker, execs, mon := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "failed", 1)); err != nil {
		t.Fatalf("failed event: %v", err)
	}

	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.ErrorID == "" {
		t.Fatal("failed execution must reference its error")
	}
	if len(mon.errors) != 1 || mon.errors[0] != "system/high" {
		t.Fatalf("recorded errors = %v, want one system/high", mon.errors)
	}
	if len(mon.failures) != 1 {
		t.Fatalf("expected one failure signal, got %d", len(mon.failures))
	}
}

func TestTrackerCancel(t *testing.T) {
	tracker, execs, mon := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	cancelled, err := tracker.Cancel(ctx, exec.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != StateCancelled || cancelled.TerminalAt == nil {
		t.Fatalf("cancel result = %s, want cancelled with terminal-at", cancelled.State)
	}
	// Voluntary cancellation records no error.
	if len(mon.errors) != 0 {
		t.Fatalf("cancel recorded errors: %v", mon.errors)
	}

	// A second cancel hits a terminal execution.
	if _, err := tracker.Cancel(ctx, exec.ID); err == nil {
		t.Fatal("expected error cancelling a terminal execution")
	}

	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
}

func TestTrackerIgnoresEventsAfterTerminal(t *testing.T) {
	tracker, execs, _ := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "cancelled", 1)); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "running", 2)); err != nil {
		t.Fatalf("late event must be ignored, got %v", err)
	}

	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateCancelled || got.Version != 1 {
		t.Fatalf("terminal state was reopened: %s v%d", got.State, got.Version)
	}
}

func TestTrackerTimeoutSweep(t *testing.T) {
	tracker, execs, mon := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", time.Millisecond)

	// Move the clock past the deadline.
	tracker.clock = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	tracker.SweepTimeouts(ctx)

	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateTimedOut || got.TerminalAt == nil {
		t.Fatalf("after sweep: %s, want timed_out with terminal-at", got.State)
	}
	if len(mon.errors) != 1 || mon.errors[0] != "timeout/high" {
		t.Fatalf("recorded errors = %v, want one timeout/high", mon.errors)
	}

	// Sweeping again finds nothing; the execution is terminal.
	tracker.SweepTimeouts(ctx)
	again, _ := execs.Get(ctx, exec.ID)
	if again.Version != got.Version {
		t.Fatal("second sweep must not touch the execution")
	}
}

func TestTrackerEventWithoutSequence(t *testing.T) {
	tracker, execs, _ := newTestTracker()
	ctx := context.Background()

	exec, _ := tracker.Begin(ctx, "wf_reports", "report", "tr_1", 0)
	if err := tracker.ProcessEvent(ctx, statusEvent(exec.ID, "running", 0)); err != nil {
		t.Fatalf("event without sequence: %v", err)
	}
	got, _ := execs.Get(ctx, exec.ID)
	if got.State != StateRunning || got.Version != 1 {
		t.Fatalf("after unsequenced event: %s v%d, want running v1", got.State, got.Version)
	}
}
