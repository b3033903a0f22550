package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
	"bridge-backend/internal/webhook"
)

// errDeferred signals that another pass holds the entity's lock; the
// queue item goes back to pending for the next cycle.
var errDeferred = errors.New("entity locked by another sync pass")

// maxSyncAttempts bounds retries of a persistently failing queue item
// before it is parked as dead.
const maxSyncAttempts = 5

// ConfigSource resolves the sync configuration governing an entity type.
type ConfigSource interface {
	GetByEntityType(ctx context.Context, entityType string) (*Configuration, error)
}

// StateBook is the per-entity sync bookkeeping the engine reads and
// advances.
type StateBook interface {
	Get(ctx context.Context, entityType, entityID string) (*SyncState, error)
	Save(ctx context.Context, st *SyncState) error
}

// ConflictBook records and settles sync conflicts.
type ConflictBook interface {
	RecordOpen(ctx context.Context, entityType, entityID string, local, remote map[string]any) (string, error)
	RecordResolved(ctx context.Context, entityType, entityID, strategy string, local, remote map[string]any) error
	MarkResolved(ctx context.Context, id, strategy, resolvedBy string) error
	Get(ctx context.Context, id string) (*Conflict, error)
	OpenFor(ctx context.Context, entityType, entityID string) (*Conflict, error)
}

// WorkQueue is the durable queue the engine drains. Satisfied by
// *SyncQueue.
type WorkQueue interface {
	Enqueue(ctx context.Context, entityType, entityID, initiator string) error
	claimNext(ctx context.Context) (*SyncItem, bool)
	finish(ctx context.Context, itemID, status string, attempts int)
	requeue(ctx context.Context, itemID string, attempts int)
}

// Engine reconciles entities that exist on both sides. The engine is the
// sole writer of SyncConflict records.
type Engine struct {
	configs   ConfigSource
	states    StateBook
	conflicts ConflictBook
	queue     WorkQueue
	local     EntitySide
	remote    EntitySide
	clock     func() time.Time

	mu    sync.Mutex
	locks map[string]bool
}

func NewEngine(configs ConfigSource, states StateBook, conflicts ConflictBook, queue WorkQueue, local, remote EntitySide) *Engine {
	return &Engine{
		configs:   configs,
		states:    states,
		conflicts: conflicts,
		queue:     queue,
		local:     local,
		remote:    remote,
		clock:     func() time.Time { return time.Now().UTC() },
		locks:     map[string]bool{},
	}
}

// tryLock takes the per-entity advisory lock without blocking.
func (e *Engine) tryLock(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks[key] {
		return false
	}
	e.locks[key] = true
	return true
}

func (e *Engine) unlock(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, key)
}

// ProcessEvent handles inbound sync_event webhooks: the remote side
// mirror is updated from the event payload, then the entity is queued
// for reconciliation.
func (e *Engine) ProcessEvent(ctx context.Context, evt *webhook.Event) error {
	entityType, _ := evt.Payload["entity_type"].(string)
	entityID, _ := evt.Payload["entity_id"].(string)
	data, _ := evt.Payload["data"].(map[string]any)
	if entityType == "" || entityID == "" {
		log.Printf("WARN: sync event %s missing entity reference, ignored", evt.ID)
		return nil
	}

	modifiedAt := e.clock()
	if raw, ok := evt.Payload["modified_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			modifiedAt = t.UTC()
		}
	}

	if err := e.remote.Put(ctx, &EntityDoc{
		EntityType: entityType,
		EntityID:   entityID,
		Doc:        data,
		ModifiedAt: modifiedAt,
	}); err != nil {
		return fmt.Errorf("mirror remote entity %s/%s: %w", entityType, entityID, err)
	}

	return e.queue.Enqueue(ctx, entityType, entityID, InitiatorRemoteEvent)
}

// TriggerManualSync queues a manual sync for the entity at preempting
// priority. An entity under the manual policy with an open conflict is
// refused: the conflict must be resolved, not re-detected.
func (e *Engine) TriggerManualSync(ctx context.Context, entityType, entityID string) error {
	cfg, err := e.configs.GetByEntityType(ctx, entityType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("sync configuration", entityType)
		}
		return err
	}
	if cfg.Strategy == StrategyManual {
		if _, err := e.conflicts.OpenFor(ctx, entityType, entityID); err == nil {
			return apperr.ConflictUnresolved(entityType, entityID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return e.queue.Enqueue(ctx, entityType, entityID, InitiatorManual)
}

// RunPass drains the sync queue, highest priority first. Items whose
// entity lock is held elsewhere are deferred, not failed. Requeued items
// are touched at most once per pass so a persistently failing entity
// waits for the next cycle instead of pinning this one; items that keep
// failing are parked as dead after maxSyncAttempts.
func (e *Engine) RunPass(ctx context.Context) {
	seen := map[string]bool{}
	for {
		item, ok := e.queue.claimNext(ctx)
		if !ok {
			return
		}
		if seen[item.ID] {
			e.queue.requeue(ctx, item.ID, item.Attempts)
			return
		}
		seen[item.ID] = true

		cfg, err := e.configs.GetByEntityType(ctx, item.EntityType)
		if err != nil || !cfg.Enabled {
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Printf("ERROR: load sync configuration for %s: %v", item.EntityType, err)
			}
			e.queue.finish(ctx, item.ID, "done", item.Attempts)
			continue
		}

		err = e.SyncEntity(ctx, cfg, item.EntityID, item.Initiator)
		switch {
		case errors.Is(err, errDeferred):
			e.queue.requeue(ctx, item.ID, item.Attempts)
		case err != nil:
			attempts := item.Attempts + 1
			if attempts >= maxSyncAttempts {
				log.Printf("ERROR: sync %s/%s dead after %d attempts: %v", item.EntityType, item.EntityID, attempts, err)
				e.queue.finish(ctx, item.ID, "dead", attempts)
			} else {
				log.Printf("ERROR: sync %s/%s failed (attempt %d): %v", item.EntityType, item.EntityID, attempts, err)
				e.queue.requeue(ctx, item.ID, attempts)
			}
		default:
			e.queue.finish(ctx, item.ID, "done", item.Attempts)
		}
	}
}

// SyncEntity reconciles one entity under cfg. Re-running with no
// underlying change produces no writes and no new conflicts.
func (e *Engine) SyncEntity(ctx context.Context, cfg *Configuration, entityID, initiator string) error {
	key := cfg.EntityType + "/" + entityID
	if !e.tryLock(key) {
		return errDeferred
	}
	defer e.unlock(key)

	st, err := e.states.Get(ctx, cfg.EntityType, entityID)
	if err != nil {
		return err
	}
	local, err := sideDoc(ctx, e.local, cfg.EntityType, entityID)
	if err != nil {
		return err
	}
	remote, err := sideDoc(ctx, e.remote, cfg.EntityType, entityID)
	if err != nil {
		return err
	}

	localChanged := docChanged(local, st.LocalStamp)
	remoteChanged := docChanged(remote, st.RemoteStamp)
	if !localChanged && !remoteChanged {
		return nil
	}

	switch {
	case localChanged && remoteChanged:
		if err := e.resolveBothChanged(ctx, cfg, entityID, local, remote, initiator); err != nil {
			return err
		}
		if cfg.Strategy == StrategyManual {
			// State is not advanced: the entity stays out of automatic
			// resolution until the operator settles the open conflict.
			return nil
		}
	case localChanged:
		if e.writableRemote(cfg) {
			if err := e.remote.Put(ctx, local); err != nil {
				return err
			}
		}
	case remoteChanged:
		if e.writableLocal(cfg) {
			if err := e.local.Put(ctx, remote); err != nil {
				return err
			}
		}
	}

	return e.recordSynced(ctx, cfg.EntityType, entityID)
}

func (e *Engine) resolveBothChanged(ctx context.Context, cfg *Configuration, entityID string, local, remote *EntityDoc, initiator string) error {
	switch cfg.Strategy {
	case StrategyManual:
		_, err := e.conflicts.RecordOpen(ctx, cfg.EntityType, entityID, docOf(local), docOf(remote))
		return err

	case StrategyLastWriteWins:
		winner, loserSide := e.pickWinner(local, remote, initiator)
		if loserSide == SideLocal && e.writableLocal(cfg) {
			if err := e.local.Put(ctx, winner); err != nil {
				return err
			}
		}
		if loserSide == SideRemote && e.writableRemote(cfg) {
			if err := e.remote.Put(ctx, winner); err != nil {
				return err
			}
		}
		return e.conflicts.RecordResolved(ctx, cfg.EntityType, entityID, StrategyLastWriteWins, docOf(local), docOf(remote))

	case StrategyMerge:
		merged := &EntityDoc{
			EntityType: cfg.EntityType,
			EntityID:   entityID,
			Doc:        mergeFields(docOf(local), docOf(remote), cfg.Mapping, local, remote),
			ModifiedAt: e.clock(),
		}
		if e.writableLocal(cfg) {
			if err := e.local.Put(ctx, merged); err != nil {
				return err
			}
		}
		if e.writableRemote(cfg) {
			if err := e.remote.Put(ctx, merged); err != nil {
				return err
			}
		}
		return e.conflicts.RecordResolved(ctx, cfg.EntityType, entityID, StrategyMerge, docOf(local), docOf(remote))
	}
	return fmt.Errorf("unknown strategy %q", cfg.Strategy)
}

// pickWinner applies last-write-wins. Equal stamps prefer the side that
// did not initiate this pass, so two skewed clocks cannot oscillate.
func (e *Engine) pickWinner(local, remote *EntityDoc, initiator string) (winner *EntityDoc, loserSide string) {
	if local == nil {
		return remote, SideLocal
	}
	if remote == nil {
		return local, SideRemote
	}
	switch {
	case local.ModifiedAt.After(remote.ModifiedAt):
		return local, SideRemote
	case remote.ModifiedAt.After(local.ModifiedAt):
		return remote, SideLocal
	case initiator == InitiatorRemoteEvent:
		return local, SideRemote
	default:
		return remote, SideLocal
	}
}

// ResolveConflict settles an open conflict with an operator-chosen value.
// chosenSide selects one snapshot; value, when set, overrides both.
// Idempotent on already-resolved conflicts.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, chosenSide string, value map[string]any, resolvedBy string) (*Conflict, error) {
	conflict, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("sync conflict", conflictID)
		}
		return nil, err
	}
	if conflict.Status == ConflictResolved {
		return conflict, nil
	}

	resolved := value
	if resolved == nil {
		switch chosenSide {
		case SideLocal:
			resolved = conflict.LocalVersion
		case SideRemote:
			resolved = conflict.RemoteVersion
		default:
			return nil, apperr.ValidationFailed([]apperr.ErrorDetail{
				{Field: "chosen_side", Rule: "oneof", Message: "chosen_side must be local or remote when no value is given"},
			})
		}
	}

	cfg, err := e.configs.GetByEntityType(ctx, conflict.EntityType)
	if err != nil {
		return nil, err
	}

	key := conflict.EntityType + "/" + conflict.EntityID
	if !e.tryLock(key) {
		return nil, apperr.New("SYNC_BUSY", 409,
			fmt.Sprintf("a sync pass is running for %s, retry shortly", key))
	}
	defer e.unlock(key)

	doc := &EntityDoc{
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Doc:        resolved,
		ModifiedAt: e.clock(),
	}
	if e.writableLocal(cfg) {
		if err := e.local.Put(ctx, doc); err != nil {
			return nil, err
		}
	}
	if e.writableRemote(cfg) {
		if err := e.remote.Put(ctx, doc); err != nil {
			return nil, err
		}
	}
	if err := e.recordSynced(ctx, conflict.EntityType, conflict.EntityID); err != nil {
		return nil, err
	}
	if err := e.conflicts.MarkResolved(ctx, conflictID, StrategyManual, resolvedBy); err != nil {
		return nil, err
	}
	return e.conflicts.Get(ctx, conflictID)
}

// EnqueueOutOfDate queues a scheduled sync for every entity whose doc
// moved past its recorded stamp on either side.
func (e *Engine) EnqueueOutOfDate(ctx context.Context) {
	seen := map[string]bool{}
	for _, side := range []EntitySide{e.local, e.remote} {
		pg, ok := side.(*PgSide)
		if !ok {
			continue
		}
		refs, err := pg.ListOutOfDate(ctx)
		if err != nil {
			log.Printf("ERROR: sync sweep scan failed: %v", err)
			continue
		}
		for _, ref := range refs {
			key := ref.EntityType + "/" + ref.EntityID
			if seen[key] {
				continue
			}
			seen[key] = true
			if err := e.queue.Enqueue(ctx, ref.EntityType, ref.EntityID, InitiatorScheduled); err != nil {
				log.Printf("ERROR: enqueue scheduled sync for %s: %v", key, err)
			}
		}
	}
}

// recordSynced snapshots both sides' current stamps after a successful
// reconciliation.
func (e *Engine) recordSynced(ctx context.Context, entityType, entityID string) error {
	now := e.clock()
	st := &SyncState{EntityType: entityType, EntityID: entityID, LastSyncedAt: &now}

	if local, err := sideDoc(ctx, e.local, entityType, entityID); err != nil {
		return err
	} else if local != nil {
		st.LocalStamp = &local.ModifiedAt
	}
	if remote, err := sideDoc(ctx, e.remote, entityType, entityID); err != nil {
		return err
	} else if remote != nil {
		st.RemoteStamp = &remote.ModifiedAt
	}
	return e.states.Save(ctx, st)
}

func (e *Engine) writableLocal(cfg *Configuration) bool {
	return cfg.Direction == DirectionRemoteToLocal || cfg.Direction == DirectionBidirectional
}

func (e *Engine) writableRemote(cfg *Configuration) bool {
	return cfg.Direction == DirectionLocalToRemote || cfg.Direction == DirectionBidirectional
}

func sideDoc(ctx context.Context, side EntitySide, entityType, entityID string) (*EntityDoc, error) {
	doc, err := side.Get(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

func docChanged(doc *EntityDoc, stamp *time.Time) bool {
	if doc == nil {
		return false
	}
	if stamp == nil {
		return true
	}
	return doc.ModifiedAt.After(*stamp)
}

func docOf(doc *EntityDoc) map[string]any {
	if doc == nil {
		return nil
	}
	return doc.Doc
}

// mergeFields builds the field-level merge. Mapped fields take the named
// side's value; unmapped fields take the later-modified side's value.
func mergeFields(local, remote map[string]any, mapping map[string]string, localDoc, remoteDoc *EntityDoc) map[string]any {
	defaultSide := SideLocal
	if localDoc == nil || (remoteDoc != nil && remoteDoc.ModifiedAt.After(localDoc.ModifiedAt)) {
		defaultSide = SideRemote
	}

	merged := map[string]any{}
	keys := map[string]bool{}
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	for k := range keys {
		side := mapping[k]
		if side != SideLocal && side != SideRemote {
			side = defaultSide
		}
		if side == SideLocal {
			if v, ok := local[k]; ok {
				merged[k] = v
			} else {
				merged[k] = remote[k]
			}
		} else {
			if v, ok := remote[k]; ok {
				merged[k] = v
			} else {
				merged[k] = local[k]
			}
		}
	}
	return merged
}

// PassScheduler drives scheduled sweeps and queue drains on a ticker.
type PassScheduler struct {
	engine   *Engine
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
}

func NewPassScheduler(e *Engine, interval time.Duration) *PassScheduler {
	return &PassScheduler{engine: e, interval: interval}
}

func (ps *PassScheduler) Start() {
	ps.ticker = time.NewTicker(ps.interval)
	ps.done = make(chan struct{})
	go ps.run()
	log.Printf("Sync pass scheduler started (%s interval)", ps.interval)
}

func (ps *PassScheduler) Stop() {
	if ps.ticker != nil {
		ps.ticker.Stop()
	}
	if ps.done != nil {
		close(ps.done)
	}
}

func (ps *PassScheduler) run() {
	for {
		select {
		case <-ps.done:
			return
		case <-ps.ticker.C:
			ctx := context.Background()
			ps.engine.EnqueueOutOfDate(ctx)
			ps.engine.RunPass(ctx)
		}
	}
}
