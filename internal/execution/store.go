package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bridge-backend/internal/store"
)

// Execution tracks one run of an external workflow.
type Execution struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	WorkflowType     string         `json:"workflow_type,omitempty"`
	TriggerID        string         `json:"trigger_id,omitempty"`
	State            State          `json:"state"`
	Version          int64          `json:"version"`
	StartedAt        time.Time      `json:"started_at"`
	LastTransitionAt time.Time      `json:"last_transition_at"`
	TerminalAt       *time.Time     `json:"terminal_at,omitempty"`
	TimeoutAt        *time.Time     `json:"timeout_at,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	ErrorID          string         `json:"error_id,omitempty"`
	RetryCount       int            `json:"retry_count"`
}

// NewExecutionID returns a prefixed unique execution identifier.
func NewExecutionID() string {
	return "exec_" + uuid.New().String()
}

// ExecutionStore abstracts persistence for workflow executions. The
// tracker is the sole writer of execution state.
type ExecutionStore interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// ApplyTransition persists exec's state, version and timestamps, guarded
	// so the write only lands if the stored version is lower and no terminal
	// state has been reached. Returns false when the guard rejects the write.
	ApplyTransition(ctx context.Context, exec *Execution) (bool, error)
	SetErrorRef(ctx context.Context, id, errorID string) error
	FindTimedOut(ctx context.Context, now time.Time) ([]*Execution, error)
	ListRecent(ctx context.Context, workflowID string, limit int) ([]*Execution, error)
}

// PgExecutionStore implements ExecutionStore against _workflow_executions.
type PgExecutionStore struct {
	db store.Querier
}

func NewPgExecutionStore(db store.Querier) *PgExecutionStore {
	return &PgExecutionStore{db: db}
}

func (s *PgExecutionStore) Create(ctx context.Context, exec *Execution) error {
	_, err := store.Exec(ctx, s.db,
		`INSERT INTO _workflow_executions
		 (id, workflow_id, workflow_type, trigger_id, state, version, started_at, last_transition_at, timeout_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.WorkflowID, exec.WorkflowType, exec.TriggerID, string(exec.State),
		exec.Version, exec.StartedAt, exec.LastTransitionAt, exec.TimeoutAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *PgExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _workflow_executions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseExecutionRow(row)
}

func (s *PgExecutionStore) ApplyTransition(ctx context.Context, exec *Execution) (bool, error) {
	resultJSON, err := marshalNullable(exec.Result)
	if err != nil {
		return false, err
	}

	n, err := store.Exec(ctx, s.db,
		`UPDATE _workflow_executions
		 SET state = $1, version = $2, last_transition_at = $3, terminal_at = $4, result = $5
		 WHERE id = $6 AND version < $2 AND terminal_at IS NULL`,
		string(exec.State), exec.Version, exec.LastTransitionAt, exec.TerminalAt, resultJSON, exec.ID)
	if err != nil {
		return false, fmt.Errorf("apply transition for %s: %w", exec.ID, err)
	}
	return n == 1, nil
}

func (s *PgExecutionStore) SetErrorRef(ctx context.Context, id, errorID string) error {
	_, err := store.Exec(ctx, s.db,
		`UPDATE _workflow_executions SET error_id = $1 WHERE id = $2`, errorID, id)
	return err
}

func (s *PgExecutionStore) FindTimedOut(ctx context.Context, now time.Time) ([]*Execution, error) {
	rows, err := store.QueryRows(ctx, s.db,
		`SELECT * FROM _workflow_executions
		 WHERE terminal_at IS NULL AND timeout_at IS NOT NULL AND timeout_at < $1`, now)
	if err != nil {
		return nil, err
	}
	return parseExecutionRows(rows), nil
}

func (s *PgExecutionStore) ListRecent(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sql := `SELECT * FROM _workflow_executions`
	var args []any
	if workflowID != "" {
		args = append(args, workflowID)
		sql += ` WHERE workflow_id = $1`
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := store.QueryRows(ctx, s.db, sql, args...)
	if err != nil {
		return nil, err
	}
	return parseExecutionRows(rows), nil
}

func parseExecutionRows(rows []map[string]any) []*Execution {
	execs := make([]*Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := parseExecutionRow(row)
		if err != nil {
			continue
		}
		execs = append(execs, exec)
	}
	return execs
}

func parseExecutionRow(row map[string]any) (*Execution, error) {
	exec := &Execution{
		ID:           str(row["id"]),
		WorkflowID:   str(row["workflow_id"]),
		WorkflowType: str(row["workflow_type"]),
		TriggerID:    str(row["trigger_id"]),
		State:        State(str(row["state"])),
		ErrorID:      str(row["error_id"]),
	}

	switch v := row["version"].(type) {
	case int64:
		exec.Version = v
	case int:
		exec.Version = int64(v)
	case float64:
		exec.Version = int64(v)
	}
	switch v := row["retry_count"].(type) {
	case int64:
		exec.RetryCount = int(v)
	case int32:
		exec.RetryCount = int(v)
	}

	if t, ok := row["started_at"].(time.Time); ok {
		exec.StartedAt = t
	}
	if t, ok := row["last_transition_at"].(time.Time); ok {
		exec.LastTransitionAt = t
	}
	if t, ok := row["terminal_at"].(time.Time); ok {
		exec.TerminalAt = &t
	}
	if t, ok := row["timeout_at"].(time.Time); ok {
		exec.TimeoutAt = &t
	}

	switch v := row["result"].(type) {
	case map[string]any:
		exec.Result = v
	case string:
		_ = json.Unmarshal([]byte(v), &exec.Result)
	case []byte:
		_ = json.Unmarshal(v, &exec.Result)
	}

	return exec, nil
}

func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
