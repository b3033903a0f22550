package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bridge-backend/internal/store"
)

// StoredLogEntry is a persisted log line as returned by queries.
type StoredLogEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	StepIndex   *int           `json:"step_index,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// LogStore queries _execution_logs. Writes go through the LogBuffer.
type LogStore struct {
	db store.Querier
}

func NewLogStore(db store.Querier) *LogStore {
	return &LogStore{db: db}
}

// LogFilter narrows List results.
type LogFilter struct {
	WorkflowID  string
	ExecutionID string
	Level       string
	From        *time.Time
	To          *time.Time
	Limit       int
}

func (s *LogStore) List(ctx context.Context, f LogFilter) ([]*StoredLogEntry, error) {
	sql := `SELECT * FROM _execution_logs WHERE 1=1`
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
	if f.Level != "" {
		add("level = $%d", f.Level)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := store.QueryRows(ctx, s.db, sql, args...)
	if err != nil {
		return nil, err
	}
	entries := make([]*StoredLogEntry, 0, len(rows))
	for _, row := range rows {
		entry := &StoredLogEntry{
			ID:          toStr(row["id"]),
			ExecutionID: toStr(row["execution_id"]),
			WorkflowID:  toStr(row["workflow_id"]),
			Level:       toStr(row["level"]),
			Message:     toStr(row["message"]),
		}
		if n, ok := row["step_index"].(int32); ok {
			idx := int(n)
			entry.StepIndex = &idx
		} else if n, ok := row["step_index"].(int64); ok {
			idx := int(n)
			entry.StepIndex = &idx
		}
		switch v := row["context"].(type) {
		case map[string]any:
			entry.Context = v
		case string:
			_ = json.Unmarshal([]byte(v), &entry.Context)
		case []byte:
			_ = json.Unmarshal(v, &entry.Context)
		}
		if t, ok := row["created_at"].(time.Time); ok {
			entry.CreatedAt = t
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
