package syncengine

import (
	"context"
	"log"

	"bridge-backend/internal/store"
)

// Queue item initiators. Priority follows the initiator: manual passes
// preempt event-driven ones, which preempt scheduled sweeps.
const (
	InitiatorManual      = "manual"
	InitiatorRemoteEvent = "remote_event"
	InitiatorScheduled   = "scheduled"
)

func priorityFor(initiator string) int {
	switch initiator {
	case InitiatorManual:
		return 100
	case InitiatorRemoteEvent:
		return 50
	default:
		return 10
	}
}

// SyncItem is one pending entity sync.
type SyncItem struct {
	ID         string
	EntityType string
	EntityID   string
	Initiator  string
	Attempts   int
}

// SyncQueue holds pending sync work ordered by priority then age.
type SyncQueue struct {
	db store.Querier
}

func NewSyncQueue(db store.Querier) *SyncQueue {
	return &SyncQueue{db: db}
}

// Enqueue adds a pending sync for the entity. An entity already pending
// is bumped to the higher priority instead of queued twice.
func (q *SyncQueue) Enqueue(ctx context.Context, entityType, entityID, initiator string) error {
	priority := priorityFor(initiator)

	n, err := store.Exec(ctx, q.db,
		`UPDATE _sync_queue
		 SET priority = GREATEST(priority, $1), initiator = CASE WHEN $1 > priority THEN $2 ELSE initiator END, updated_at = NOW()
		 WHERE entity_type = $3 AND entity_id = $4 AND status = 'pending'`,
		priority, initiator, entityType, entityID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	_, err = store.Exec(ctx, q.db,
		`INSERT INTO _sync_queue (entity_type, entity_id, priority, initiator, status)
		 VALUES ($1, $2, $3, $4, 'pending')`,
		entityType, entityID, priority, initiator)
	return err
}

// claimNext atomically claims the highest-priority pending item.
func (q *SyncQueue) claimNext(ctx context.Context) (*SyncItem, bool) {
	row, err := store.QueryRow(ctx, q.db,
		`UPDATE _sync_queue
		 SET status = 'working', updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM _sync_queue
		     WHERE status = 'pending'
		     ORDER BY priority DESC, created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, entity_type, entity_id, initiator, attempts`)
	if err != nil {
		return nil, false
	}
	return &SyncItem{
		ID:         asString(row["id"]),
		EntityType: asString(row["entity_type"]),
		EntityID:   asString(row["entity_id"]),
		Initiator:  asString(row["initiator"]),
		Attempts:   asInt(row["attempts"]),
	}, true
}

func (q *SyncQueue) finish(ctx context.Context, itemID, status string, attempts int) {
	_, err := store.Exec(ctx, q.db,
		`UPDATE _sync_queue SET status = $1, attempts = $2, updated_at = NOW() WHERE id::text = $3`,
		status, attempts, itemID)
	if err != nil {
		log.Printf("ERROR: update sync queue item %s: %v", itemID, err)
	}
}

// requeue returns an item to pending so a later cycle retries it.
func (q *SyncQueue) requeue(ctx context.Context, itemID string, attempts int) {
	q.finish(ctx, itemID, "pending", attempts)
}
