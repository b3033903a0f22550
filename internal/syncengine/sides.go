package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bridge-backend/internal/store"
)

// Side names.
const (
	SideLocal  = "local"
	SideRemote = "remote"
)

// EntityDoc is one side's representation of a synced entity.
type EntityDoc struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Doc        map[string]any `json:"doc"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// EntitySide reads and writes one side's entity documents. Put preserves
// the document's modification stamp so a sync write is distinguishable
// from a genuine edit on the next pass.
type EntitySide interface {
	Get(ctx context.Context, entityType, entityID string) (*EntityDoc, error)
	Put(ctx context.Context, doc *EntityDoc) error
}

// PgSide implements EntitySide over one mirror table (_sync_local or
// _sync_remote).
type PgSide struct {
	db       store.Querier
	table    string
	stampCol string
}

func NewLocalSide(db store.Querier) *PgSide {
	return &PgSide{db: db, table: "_sync_local", stampCol: "local_stamp"}
}

func NewRemoteSide(db store.Querier) *PgSide {
	return &PgSide{db: db, table: "_sync_remote", stampCol: "remote_stamp"}
}

func (s *PgSide) Get(ctx context.Context, entityType, entityID string) (*EntityDoc, error) {
	row, err := store.QueryRow(ctx, s.db,
		fmt.Sprintf(`SELECT * FROM %s WHERE entity_type = $1 AND entity_id = $2`, s.table),
		entityType, entityID)
	if err != nil {
		return nil, err
	}

	doc := &EntityDoc{
		EntityType: asString(row["entity_type"]),
		EntityID:   asString(row["entity_id"]),
	}
	switch v := row["doc"].(type) {
	case map[string]any:
		doc.Doc = v
	case string:
		_ = json.Unmarshal([]byte(v), &doc.Doc)
	case []byte:
		_ = json.Unmarshal(v, &doc.Doc)
	}
	if t, ok := row["modified_at"].(time.Time); ok {
		doc.ModifiedAt = t
	}
	return doc, nil
}

func (s *PgSide) Put(ctx context.Context, doc *EntityDoc) error {
	docJSON, err := json.Marshal(doc.Doc)
	if err != nil {
		return fmt.Errorf("marshal entity doc: %w", err)
	}
	_, err = store.Exec(ctx, s.db,
		fmt.Sprintf(`INSERT INTO %s (entity_type, entity_id, doc, modified_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_type, entity_id)
		 DO UPDATE SET doc = EXCLUDED.doc, modified_at = EXCLUDED.modified_at`, s.table),
		doc.EntityType, doc.EntityID, string(docJSON), doc.ModifiedAt)
	return err
}

// EntityRef identifies one synced entity.
type EntityRef struct {
	EntityType string
	EntityID   string
}

// ListOutOfDate returns entities whose document changed since the stamp
// recorded at their last sync. Used by the scheduled sweep.
func (s *PgSide) ListOutOfDate(ctx context.Context) ([]EntityRef, error) {
	rows, err := store.QueryRows(ctx, s.db,
		fmt.Sprintf(`SELECT d.entity_type, d.entity_id
		 FROM %s d
		 LEFT JOIN _sync_state st
		   ON st.entity_type = d.entity_type AND st.entity_id = d.entity_id
		 WHERE st.%s IS NULL OR d.modified_at > st.%s`, s.table, s.stampCol, s.stampCol))
	if err != nil {
		return nil, err
	}
	refs := make([]EntityRef, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, EntityRef{
			EntityType: asString(row["entity_type"]),
			EntityID:   asString(row["entity_id"]),
		})
	}
	return refs, nil
}

// SyncState is the per-entity bookkeeping record: when the entity last
// synced and which modification stamps that sync observed.
type SyncState struct {
	EntityType   string
	EntityID     string
	LastSyncedAt *time.Time
	LocalStamp   *time.Time
	RemoteStamp  *time.Time
}

// StateStore persists _sync_state.
type StateStore struct {
	db store.Querier
}

func NewStateStore(db store.Querier) *StateStore {
	return &StateStore{db: db}
}

// Get returns the entity's sync state, or a zero state when the entity
// has never synced.
func (s *StateStore) Get(ctx context.Context, entityType, entityID string) (*SyncState, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _sync_state WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID)
	if err != nil {
		if err == store.ErrNotFound {
			return &SyncState{EntityType: entityType, EntityID: entityID}, nil
		}
		return nil, err
	}

	st := &SyncState{EntityType: entityType, EntityID: entityID}
	if t, ok := row["last_synced_at"].(time.Time); ok {
		st.LastSyncedAt = &t
	}
	if t, ok := row["local_stamp"].(time.Time); ok {
		st.LocalStamp = &t
	}
	if t, ok := row["remote_stamp"].(time.Time); ok {
		st.RemoteStamp = &t
	}
	return st, nil
}

func (s *StateStore) Save(ctx context.Context, st *SyncState) error {
	_, err := store.Exec(ctx, s.db,
		`INSERT INTO _sync_state (entity_type, entity_id, last_synced_at, local_stamp, remote_stamp)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_type, entity_id)
		 DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at,
		               local_stamp = EXCLUDED.local_stamp,
		               remote_stamp = EXCLUDED.remote_stamp`,
		st.EntityType, st.EntityID, st.LastSyncedAt, st.LocalStamp, st.RemoteStamp)
	return err
}
