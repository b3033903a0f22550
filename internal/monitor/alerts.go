package monitor

import (
	"context"
	"fmt"
	"time"

	"bridge-backend/internal/store"
)

// AlertStore persists _alerts.
type AlertStore struct {
	db store.Querier
}

func NewAlertStore(db store.Querier) *AlertStore {
	return &AlertStore{db: db}
}

func (s *AlertStore) Insert(ctx context.Context, a *Alert) error {
	_, err := store.Exec(ctx, s.db,
		`INSERT INTO _alerts (id, type, severity, title, description, workflow_id, execution_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Type, a.Severity, a.Title, a.Description, a.WorkflowID, a.ExecutionID)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *AlertStore) Get(ctx context.Context, id string) (*Alert, error) {
	row, err := store.QueryRow(ctx, s.db, `SELECT * FROM _alerts WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseAlertRow(row), nil
}

// AlertFilter narrows List results.
type AlertFilter struct {
	WorkflowID string
	Severity   string
	Type       string
	Resolved   *bool
	From       *time.Time
	To         *time.Time
	Limit      int
}

func (s *AlertStore) List(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	sql := `SELECT * FROM _alerts WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(" AND "+clause, len(args))
	}

	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
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
	alerts := make([]*Alert, 0, len(rows))
	for _, row := range rows {
		alerts = append(alerts, parseAlertRow(row))
	}
	return alerts, nil
}

// Acknowledge marks the alert acknowledged. Repeating the call leaves
// the original acknowledger and timestamp untouched.
func (s *AlertStore) Acknowledge(ctx context.Context, id, by string) (*Alert, error) {
	_, err := store.Exec(ctx, s.db,
		`UPDATE _alerts
		 SET acknowledged = true, acknowledged_by = $1, acknowledged_at = NOW()
		 WHERE id = $2 AND acknowledged = false`, by, id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Resolve marks the alert resolved. Idempotent like Acknowledge.
func (s *AlertStore) Resolve(ctx context.Context, id, by string) (*Alert, error) {
	_, err := store.Exec(ctx, s.db,
		`UPDATE _alerts
		 SET resolved = true, resolved_by = $1, resolved_at = NOW()
		 WHERE id = $2 AND resolved = false`, by, id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *AlertStore) CountUnresolved(ctx context.Context) (int, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT COUNT(*) AS n FROM _alerts WHERE resolved = false`)
	if err != nil {
		return 0, err
	}
	return toInt(row["n"]), nil
}

func parseAlertRow(row map[string]any) *Alert {
	a := &Alert{
		ID:             toStr(row["id"]),
		Type:           toStr(row["type"]),
		Severity:       toStr(row["severity"]),
		Title:          toStr(row["title"]),
		Description:    toStr(row["description"]),
		WorkflowID:     toStr(row["workflow_id"]),
		ExecutionID:    toStr(row["execution_id"]),
		AcknowledgedBy: toStr(row["acknowledged_by"]),
		ResolvedBy:     toStr(row["resolved_by"]),
	}
	if b, ok := row["acknowledged"].(bool); ok {
		a.Acknowledged = b
	}
	if b, ok := row["resolved"].(bool); ok {
		a.Resolved = b
	}
	if t, ok := row["acknowledged_at"].(time.Time); ok {
		a.AcknowledgedAt = &t
	}
	if t, ok := row["resolved_at"].(time.Time); ok {
		a.ResolvedAt = &t
	}
	if t, ok := row["created_at"].(time.Time); ok {
		a.CreatedAt = t
	}
	return a
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
