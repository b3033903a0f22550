package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bridge-backend/internal/store"
)

// Conflict statuses.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// Conflict is a detected disagreement between the two sides' versions of
// an entity. At most one open conflict exists per entity.
type Conflict struct {
	ID              string         `json:"id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	LocalVersion    map[string]any `json:"local_version"`
	RemoteVersion   map[string]any `json:"remote_version"`
	DetectedAt      time.Time      `json:"detected_at"`
	Status          string         `json:"status"`
	StrategyApplied string         `json:"strategy_applied,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// ConflictStore persists _sync_conflicts. The partial unique index on
// open conflicts backs the upsert in RecordOpen.
type ConflictStore struct {
	db store.Querier
}

func NewConflictStore(db store.Querier) *ConflictStore {
	return &ConflictStore{db: db}
}

// RecordOpen registers a detected conflict. A new detection while one is
// open refreshes the existing record's snapshots instead of duplicating
// it. Returns the open conflict's id.
func (s *ConflictStore) RecordOpen(ctx context.Context, entityType, entityID string, local, remote map[string]any) (string, error) {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return "", fmt.Errorf("marshal local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return "", fmt.Errorf("marshal remote snapshot: %w", err)
	}

	row, err := store.QueryRow(ctx, s.db,
		`INSERT INTO _sync_conflicts (entity_type, entity_id, local_version, remote_version, status)
		 VALUES ($1, $2, $3, $4, 'open')
		 ON CONFLICT (entity_type, entity_id) WHERE status = 'open'
		 DO UPDATE SET local_version = EXCLUDED.local_version,
		               remote_version = EXCLUDED.remote_version,
		               detected_at = NOW()
		 RETURNING id`,
		entityType, entityID, string(localJSON), string(remoteJSON))
	if err != nil {
		return "", fmt.Errorf("record conflict for %s/%s: %w", entityType, entityID, err)
	}
	return asString(row["id"]), nil
}

// RecordResolved stores an already-resolved conflict for audit, used when
// an automatic strategy settles the disagreement in the same pass.
func (s *ConflictStore) RecordResolved(ctx context.Context, entityType, entityID, strategy string, local, remote map[string]any) error {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return err
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return err
	}
	_, err = store.Exec(ctx, s.db,
		`INSERT INTO _sync_conflicts
		 (entity_type, entity_id, local_version, remote_version, status, strategy_applied, resolved_by, resolved_at)
		 VALUES ($1, $2, $3, $4, 'resolved', $5, 'system', NOW())`,
		entityType, entityID, string(localJSON), string(remoteJSON), strategy)
	return err
}

// MarkResolved closes an open conflict. Idempotent: resolving an already
// resolved conflict is a no-op.
func (s *ConflictStore) MarkResolved(ctx context.Context, id, strategy, resolvedBy string) error {
	_, err := store.Exec(ctx, s.db,
		`UPDATE _sync_conflicts
		 SET status = 'resolved', strategy_applied = $1, resolved_by = $2, resolved_at = NOW()
		 WHERE id::text = $3 AND status = 'open'`,
		strategy, resolvedBy, id)
	return err
}

func (s *ConflictStore) Get(ctx context.Context, id string) (*Conflict, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _sync_conflicts WHERE id::text = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseConflictRow(row), nil
}

// OpenFor returns the entity's open conflict, or ErrNotFound.
func (s *ConflictStore) OpenFor(ctx context.Context, entityType, entityID string) (*Conflict, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _sync_conflicts
		 WHERE entity_type = $1 AND entity_id = $2 AND status = 'open'`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	return parseConflictRow(row), nil
}

func (s *ConflictStore) List(ctx context.Context, status string, limit int) ([]*Conflict, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sql := `SELECT * FROM _sync_conflicts`
	var args []any
	if status != "" {
		args = append(args, status)
		sql += ` WHERE status = $1`
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, len(args))

	rows, err := store.QueryRows(ctx, s.db, sql, args...)
	if err != nil {
		return nil, err
	}
	conflicts := make([]*Conflict, 0, len(rows))
	for _, row := range rows {
		conflicts = append(conflicts, parseConflictRow(row))
	}
	return conflicts, nil
}

func parseConflictRow(row map[string]any) *Conflict {
	c := &Conflict{
		ID:              asString(row["id"]),
		EntityType:      asString(row["entity_type"]),
		EntityID:        asString(row["entity_id"]),
		Status:          asString(row["status"]),
		StrategyApplied: asString(row["strategy_applied"]),
		ResolvedBy:      asString(row["resolved_by"]),
	}
	switch v := row["local_version"].(type) {
	case map[string]any:
		c.LocalVersion = v
	case string:
		_ = json.Unmarshal([]byte(v), &c.LocalVersion)
	case []byte:
		_ = json.Unmarshal(v, &c.LocalVersion)
	}
	switch v := row["remote_version"].(type) {
	case map[string]any:
		c.RemoteVersion = v
	case string:
		_ = json.Unmarshal([]byte(v), &c.RemoteVersion)
	case []byte:
		_ = json.Unmarshal(v, &c.RemoteVersion)
	}
	if t, ok := row["detected_at"].(time.Time); ok {
		c.DetectedAt = t
	}
	if t, ok := row["resolved_at"].(time.Time); ok {
		c.ResolvedAt = &t
	}
	return c
}
