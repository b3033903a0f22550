package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bridge-backend/internal/store"
)

// Sync directions.
const (
	DirectionLocalToRemote = "local_to_remote"
	DirectionRemoteToLocal = "remote_to_local"
	DirectionBidirectional = "bidirectional"
)

// Conflict-resolution strategies.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyMerge         = "merge"
	StrategyManual        = "manual"
)

// Configuration declares how one entity type is kept consistent across
// the two systems. Mapping is per-field: for merge it names the winning
// side per field ("local" or "remote").
type Configuration struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	Direction  string            `json:"direction"`
	Mapping    map[string]string `json:"mapping"`
	Strategy   string            `json:"strategy"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (c *Configuration) validate() error {
	switch c.Direction {
	case DirectionLocalToRemote, DirectionRemoteToLocal, DirectionBidirectional:
	default:
		return fmt.Errorf("unknown direction %q", c.Direction)
	}
	switch c.Strategy {
	case StrategyLastWriteWins, StrategyMerge, StrategyManual:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	return nil
}

// ConfigStore persists _sync_configurations.
type ConfigStore struct {
	db store.Querier
}

func NewConfigStore(db store.Querier) *ConfigStore {
	return &ConfigStore{db: db}
}

func (s *ConfigStore) Create(ctx context.Context, cfg *Configuration) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	mappingJSON, err := json.Marshal(cfg.Mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	row, err := store.QueryRow(ctx, s.db,
		`INSERT INTO _sync_configurations (entity_type, direction, mapping, strategy, enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		cfg.EntityType, cfg.Direction, string(mappingJSON), cfg.Strategy, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("insert sync configuration: %w", err)
	}
	cfg.ID = asString(row["id"])
	if t, ok := row["created_at"].(time.Time); ok {
		cfg.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		cfg.UpdatedAt = t
	}
	return nil
}

func (s *ConfigStore) Update(ctx context.Context, cfg *Configuration) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	mappingJSON, err := json.Marshal(cfg.Mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	n, err := store.Exec(ctx, s.db,
		`UPDATE _sync_configurations
		 SET direction = $1, mapping = $2, strategy = $3, enabled = $4, updated_at = NOW()
		 WHERE id::text = $5`,
		cfg.Direction, string(mappingJSON), cfg.Strategy, cfg.Enabled, cfg.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConfigStore) Get(ctx context.Context, id string) (*Configuration, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _sync_configurations WHERE id::text = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseConfigRow(row), nil
}

func (s *ConfigStore) GetByEntityType(ctx context.Context, entityType string) (*Configuration, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _sync_configurations WHERE entity_type = $1`, entityType)
	if err != nil {
		return nil, err
	}
	return parseConfigRow(row), nil
}

func (s *ConfigStore) ListEnabled(ctx context.Context) ([]*Configuration, error) {
	rows, err := store.QueryRows(ctx, s.db,
		`SELECT * FROM _sync_configurations WHERE enabled = true ORDER BY entity_type`)
	if err != nil {
		return nil, err
	}
	configs := make([]*Configuration, 0, len(rows))
	for _, row := range rows {
		configs = append(configs, parseConfigRow(row))
	}
	return configs, nil
}

func parseConfigRow(row map[string]any) *Configuration {
	cfg := &Configuration{
		ID:         asString(row["id"]),
		EntityType: asString(row["entity_type"]),
		Direction:  asString(row["direction"]),
		Strategy:   asString(row["strategy"]),
	}
	if b, ok := row["enabled"].(bool); ok {
		cfg.Enabled = b
	}
	switch v := row["mapping"].(type) {
	case map[string]any:
		cfg.Mapping = make(map[string]string, len(v))
		for k, val := range v {
			cfg.Mapping[k] = fmt.Sprintf("%v", val)
		}
	case string:
		_ = json.Unmarshal([]byte(v), &cfg.Mapping)
	case []byte:
		_ = json.Unmarshal(v, &cfg.Mapping)
	}
	if t, ok := row["created_at"].(time.Time); ok {
		cfg.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		cfg.UpdatedAt = t
	}
	return cfg
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
