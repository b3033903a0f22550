package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bridge-backend/internal/store"
)

// ErrorStore persists _execution_errors.
type ErrorStore struct {
	db store.Querier
}

func NewErrorStore(db store.Querier) *ErrorStore {
	return &ErrorStore{db: db}
}

func (s *ErrorStore) Insert(ctx context.Context, e *ExecutionError) error {
	var detailsJSON any
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		detailsJSON = string(b)
	}
	_, err := store.Exec(ctx, s.db,
		`INSERT INTO _execution_errors (id, execution_id, workflow_id, category, severity, message, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ExecutionID, e.WorkflowID, e.Category, e.Severity, e.Message, detailsJSON)
	if err != nil {
		return fmt.Errorf("insert execution error: %w", err)
	}
	return nil
}

func (s *ErrorStore) Get(ctx context.Context, id string) (*ExecutionError, error) {
	row, err := store.QueryRow(ctx, s.db, `SELECT * FROM _execution_errors WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseErrorRow(row), nil
}

// ErrorFilter narrows List results.
type ErrorFilter struct {
	WorkflowID  string
	ExecutionID string
	Category    string
	Severity    string
	Resolved    *bool
	From        *time.Time
	To          *time.Time
	Limit       int
}

func (s *ErrorStore) List(ctx context.Context, f ErrorFilter) ([]*ExecutionError, error) {
	sql := `SELECT * FROM _execution_errors WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(" AND "+clause, len(args))
	}

	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.ExecutionID != "" {
		add("execution_id = $%d", f.ExecutionID)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Resolved != nil {
		add("resolved = $%d", *f.Resolved)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := store.QueryRows(ctx, s.db, sql, args...)
	if err != nil {
		return nil, err
	}
	errs := make([]*ExecutionError, 0, len(rows))
	for _, row := range rows {
		errs = append(errs, parseErrorRow(row))
	}
	return errs, nil
}

// Resolve fills the resolution sub-record. Idempotent: an already
// resolved error keeps its original resolver and notes.
func (s *ErrorStore) Resolve(ctx context.Context, id, notes, by string) (*ExecutionError, error) {
	_, err := store.Exec(ctx, s.db,
		`UPDATE _execution_errors
		 SET resolved = true, resolution_notes = $1, resolved_by = $2, resolved_at = NOW()
		 WHERE id = $3 AND resolved = false`, notes, by, id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func parseErrorRow(row map[string]any) *ExecutionError {
	e := &ExecutionError{
		ID:              toStr(row["id"]),
		ExecutionID:     toStr(row["execution_id"]),
		WorkflowID:      toStr(row["workflow_id"]),
		Category:        toStr(row["category"]),
		Severity:        toStr(row["severity"]),
		Message:         toStr(row["message"]),
		ResolutionNotes: toStr(row["resolution_notes"]),
		ResolvedBy:      toStr(row["resolved_by"]),
	}
	if b, ok := row["resolved"].(bool); ok {
		e.Resolved = b
	}
	switch v := row["details"].(type) {
	case map[string]any:
		e.Details = v
	case string:
		_ = json.Unmarshal([]byte(v), &e.Details)
	case []byte:
		_ = json.Unmarshal(v, &e.Details)
	}
	if t, ok := row["resolved_at"].(time.Time); ok {
		e.ResolvedAt = &t
	}
	if t, ok := row["created_at"].(time.Time); ok {
		e.CreatedAt = t
	}
	return e
}
