package webhook

import (
	"context"
	"log"
	"sync"
	"time"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
)

// Queue item statuses.
const (
	queuePending = "pending"
	queueWorking = "working"
	queueDone    = "done"
	queueDead    = "dead"
)

// Queue is the durable processing queue between intake and the background
// workers. Enqueue never refuses work: when the backlog exceeds capacity a
// critical alert is raised once per breach episode while intake continues.
type Queue struct {
	db       store.Querier
	alerts   AlertSink
	capacity int

	mu         sync.Mutex
	overflowed bool
	nudge      chan struct{}
}

func NewQueue(db store.Querier, alerts AlertSink, capacity int) *Queue {
	return &Queue{
		db:       db,
		alerts:   alerts,
		capacity: capacity,
		nudge:    make(chan struct{}, 1),
	}
}

// Enqueue inserts a pending item referencing a stored event.
func (q *Queue) Enqueue(ctx context.Context, eventID string) error {
	_, err := store.Exec(ctx, q.db,
		`INSERT INTO _processing_queue (event_id, status) VALUES ($1, 'pending')`, eventID)
	if err != nil {
		return err
	}

	q.checkOverflow(ctx)

	select {
	case q.nudge <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	row, err := store.QueryRow(ctx, q.db,
		`SELECT COUNT(*) AS depth FROM _processing_queue WHERE status = 'pending'`)
	if err != nil {
		return 0, err
	}
	return asInt(row["depth"]), nil
}

func (q *Queue) checkOverflow(ctx context.Context) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if depth > q.capacity && !q.overflowed {
		q.overflowed = true
		q.alerts.Raise(ctx, "capacity", "critical",
			"Processing queue overflow",
			apperr.QueueOverflow(depth, q.capacity).Message+"; events are still accepted and stored",
			"", "")
	} else if depth <= q.capacity {
		q.overflowed = false
	}
}

// claimNext atomically claims one pending item, oldest first.
func (q *Queue) claimNext(ctx context.Context) (itemID, eventID string, attempts int, ok bool) {
	row, err := store.QueryRow(ctx, q.db,
		`UPDATE _processing_queue
		 SET status = 'working', updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM _processing_queue
		     WHERE status = 'pending'
		     ORDER BY created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, event_id, attempts`)
	if err != nil {
		return "", "", 0, false
	}
	return asString(row["id"]), asString(row["event_id"]), asInt(row["attempts"]), true
}

func (q *Queue) finish(ctx context.Context, itemID, status, errMsg string, attempts int) {
	_, err := store.Exec(ctx, q.db,
		`UPDATE _processing_queue
		 SET status = $1, attempts = $2, error = $3, updated_at = NOW()
		 WHERE id::text = $4`,
		status, attempts, nilIfEmptyStr(errMsg), itemID)
	if err != nil {
		log.Printf("ERROR: update queue item %s: %v", itemID, err)
	}
}

// Processor consumes a stored event. Wired per event category by the
// facade; workers never interpret payloads themselves.
type Processor interface {
	ProcessEvent(ctx context.Context, evt *Event) error
}

// WorkerPool consumes the durable queue. Workers block on the poll ticker
// or an in-process nudge; ordering across executions is not guaranteed —
// per-execution ordering is enforced downstream by the version guard.
type WorkerPool struct {
	queue       *Queue
	events      *EventStore
	proc        Processor
	workers     int
	maxAttempts int
	interval    time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWorkerPool(queue *Queue, events *EventStore, proc Processor, workers, maxAttempts int, interval time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &WorkerPool{
		queue:       queue,
		events:      events,
		proc:        proc,
		workers:     workers,
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

func (wp *WorkerPool) Start() {
	wp.done = make(chan struct{})
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.run(i)
	}
	log.Printf("Queue worker pool started (%d workers, %s poll)", wp.workers, wp.interval)
}

func (wp *WorkerPool) Stop() {
	close(wp.done)
	wp.wg.Wait()
}

func (wp *WorkerPool) run(id int) {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.done:
			return
		case <-wp.queue.nudge:
			wp.drain()
		case <-ticker.C:
			wp.drain()
		}
	}
}

// drain processes claimed items until the queue is empty.
func (wp *WorkerPool) drain() {
	ctx := context.Background()
	for {
		select {
		case <-wp.done:
			return
		default:
		}

		itemID, eventID, attempts, ok := wp.queue.claimNext(ctx)
		if !ok {
			return
		}
		wp.processItem(ctx, itemID, eventID, attempts)
	}
}

func (wp *WorkerPool) processItem(ctx context.Context, itemID, eventID string, attempts int) {
	attempts++

	evt, err := wp.events.Get(ctx, eventID)
	if err != nil {
		log.Printf("ERROR: load queued event %s: %v", eventID, err)
		wp.queue.finish(ctx, itemID, queueDead, "event not loadable: "+err.Error(), attempts)
		return
	}

	if err := wp.proc.ProcessEvent(ctx, evt); err != nil {
		if attempts >= wp.maxAttempts {
			log.Printf("ERROR: event %s dead after %d attempts: %v", eventID, attempts, err)
			wp.queue.finish(ctx, itemID, queueDead, err.Error(), attempts)
		} else {
			log.Printf("WARN: event %s processing failed (attempt %d): %v", eventID, attempts, err)
			wp.queue.finish(ctx, itemID, queuePending, err.Error(), attempts)
		}
		return
	}

	wp.queue.finish(ctx, itemID, queueDone, "", attempts)
}
