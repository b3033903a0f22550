package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/config"
	"bridge-backend/internal/store"
	"bridge-backend/internal/webhook"
)

// MonitorSink receives lifecycle outcomes from the tracker. Implemented
// by the monitoring collector.
type MonitorSink interface {
	// RecordExecutionError stores an ExecutionError and runs alert
	// evaluation. Returns the stored error id.
	RecordExecutionError(ctx context.Context, workflowID, executionID, category, severity, message string) (string, error)
	// ExecutionFailed feeds the repeated-failure alert rule.
	ExecutionFailed(ctx context.Context, workflowID, executionID string)
}

// Tracker is the sole writer of execution state. Transitions are driven
// by inbound status events correlated by execution id; the version guard
// in the store serializes out-of-order and concurrent deliveries.
type Tracker struct {
	executions ExecutionStore
	monitor    MonitorSink
	cfg        config.ExecutionConfig
	clock      func() time.Time
}

func NewTracker(executions ExecutionStore, monitor MonitorSink, cfg config.ExecutionConfig) *Tracker {
	return &Tracker{
		executions: executions,
		monitor:    monitor,
		cfg:        cfg,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Begin creates a new execution in pending state with its timeout bound.
func (t *Tracker) Begin(ctx context.Context, workflowID, workflowType, triggerID string, timeout time.Duration) (*Execution, error) {
	now := t.clock()
	if timeout <= 0 {
		timeout = time.Duration(t.cfg.DefaultTimeoutSec) * time.Second
	}
	deadline := now.Add(timeout)

	exec := &Execution{
		ID:               NewExecutionID(),
		WorkflowID:       workflowID,
		WorkflowType:     workflowType,
		TriggerID:        triggerID,
		State:            StatePending,
		Version:          0,
		StartedAt:        now,
		LastTransitionAt: now,
		TimeoutAt:        &deadline,
	}
	if err := t.executions.Create(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// ProcessEvent applies one inbound execution status event. Events for
// unknown or already-terminal executions are logged and ignored, as are
// stale sequences. A nil return means the event is fully handled; an
// error return sends the queue item back for retry.
func (t *Tracker) ProcessEvent(ctx context.Context, evt *webhook.Event) error {
	executionID, _ := evt.Payload["execution_id"].(string)
	status, _ := evt.Payload["status"].(string)

	exec, err := t.executions.Get(ctx, executionID)
	if err != nil {
		if err == store.ErrNotFound {
			log.Printf("WARN: status event %s references unknown execution %s", evt.ID, executionID)
			return nil
		}
		return err
	}
	if exec.State.Terminal() {
		log.Printf("WARN: status event %s for terminal execution %s ignored", evt.ID, executionID)
		return nil
	}

	to, ok := StateForStatus(status)
	if !ok {
		log.Printf("WARN: status event %s carries unknown status %q", evt.ID, status)
		return nil
	}
	if to == exec.State {
		return nil
	}
	if !CanTransition(exec.State, to) {
		log.Printf("WARN: illegal transition %s -> %s for execution %s ignored", exec.State, to, executionID)
		return nil
	}

	seq := sequenceOf(evt.Payload)
	if seq == 0 {
		// The external engine omitted the sequence; treat the event as
		// the next transition in order.
		seq = exec.Version + 1
	}
	if seq <= exec.Version {
		log.Printf("WARN: stale sequence %d (version %d) for execution %s ignored", seq, exec.Version, executionID)
		return nil
	}

	now := t.clock()
	exec.State = to
	exec.Version = seq
	exec.LastTransitionAt = now
	if to.Terminal() {
		exec.TerminalAt = &now
		if result, ok := evt.Payload["result"].(map[string]any); ok {
			exec.Result = result
		}
	}

	applied, err := t.executions.ApplyTransition(ctx, exec)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent delivery won the version race; this one is moot.
		log.Printf("WARN: transition to %s for execution %s rejected by version guard", to, executionID)
		return nil
	}

	if to == StateFailed {
		t.recordFailure(ctx, exec, "system", "high",
			fmt.Sprintf("workflow %s execution failed", exec.WorkflowID))
	}
	return nil
}

// Cancel moves a non-terminal execution to cancelled. Voluntary operator
// action; no ExecutionError is recorded.
func (t *Tracker) Cancel(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := t.executions.Get(ctx, executionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("execution", executionID)
		}
		return nil, err
	}
	if exec.State.Terminal() {
		return nil, apperr.New("EXECUTION_TERMINAL", 409,
			fmt.Sprintf("execution %s already reached terminal state %s", executionID, exec.State))
	}

	now := t.clock()
	exec.State = StateCancelled
	exec.Version++
	exec.LastTransitionAt = now
	exec.TerminalAt = &now

	applied, err := t.executions.ApplyTransition(ctx, exec)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperr.New("EXECUTION_TERMINAL", 409,
			fmt.Sprintf("execution %s reached a terminal state concurrently", executionID))
	}
	return exec, nil
}

// SweepTimeouts moves every execution past its deadline to timed_out.
// Each sweep records an ExecutionError with category timeout.
func (t *Tracker) SweepTimeouts(ctx context.Context) {
	now := t.clock()
	overdue, err := t.executions.FindTimedOut(ctx, now)
	if err != nil {
		log.Printf("ERROR: timeout sweep query failed: %v", err)
		return
	}

	for _, exec := range overdue {
		exec.State = StateTimedOut
		exec.Version++
		exec.LastTransitionAt = now
		exec.TerminalAt = &now

		applied, err := t.executions.ApplyTransition(ctx, exec)
		if err != nil {
			log.Printf("ERROR: time out execution %s: %v", exec.ID, err)
			continue
		}
		if !applied {
			continue
		}
		t.recordFailure(ctx, exec, "timeout", "high",
			apperr.ExecutionTimedOut(exec.ID).Message)
	}
}

func (t *Tracker) recordFailure(ctx context.Context, exec *Execution, category, severity, message string) {
	errorID, err := t.monitor.RecordExecutionError(ctx, exec.WorkflowID, exec.ID, category, severity, message)
	if err != nil {
		log.Printf("ERROR: record execution error for %s: %v", exec.ID, err)
		return
	}
	if errorID != "" {
		if err := t.executions.SetErrorRef(ctx, exec.ID, errorID); err != nil {
			log.Printf("ERROR: link error %s to execution %s: %v", errorID, exec.ID, err)
		}
	}
	t.monitor.ExecutionFailed(ctx, exec.WorkflowID, exec.ID)
}

func sequenceOf(payload map[string]any) int64 {
	switch v := payload["sequence"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// TimeoutSweeper runs SweepTimeouts on a background ticker.
type TimeoutSweeper struct {
	tracker  *Tracker
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
}

func NewTimeoutSweeper(t *Tracker, interval time.Duration) *TimeoutSweeper {
	return &TimeoutSweeper{tracker: t, interval: interval}
}

func (ts *TimeoutSweeper) Start() {
	ts.ticker = time.NewTicker(ts.interval)
	ts.done = make(chan struct{})
	go ts.run()
	log.Printf("Execution timeout sweeper started (%s interval)", ts.interval)
}

func (ts *TimeoutSweeper) Stop() {
	if ts.ticker != nil {
		ts.ticker.Stop()
	}
	if ts.done != nil {
		close(ts.done)
	}
}

func (ts *TimeoutSweeper) run() {
	for {
		select {
		case <-ts.done:
			return
		case <-ts.ticker.C:
			ts.tracker.SweepTimeouts(context.Background())
		}
	}
}
