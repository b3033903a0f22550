package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"bridge-backend/internal/store"
)

// LogBuffer collects log entries in memory and periodically flushes them
// to _execution_logs in a batch insert.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	db      *store.Store
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewLogBuffer creates a buffer that flushes on a timer or when full.
func NewLogBuffer(db *store.Store, maxSize int, flushIntervalMs int) *LogBuffer {
	lb := &LogBuffer{
		db:      db,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	lb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go lb.run()
	return lb
}

func (lb *LogBuffer) run() {
	for {
		select {
		case <-lb.done:
			return
		case <-lb.ticker.C:
			lb.Flush()
		}
	}
}

// Enqueue adds an entry to the buffer. If the buffer is full, a flush is
// triggered asynchronously.
func (lb *LogBuffer) Enqueue(entry LogEntry) {
	lb.mu.Lock()
	lb.entries = append(lb.entries, entry)
	shouldFlush := len(lb.entries) >= lb.maxSize
	lb.mu.Unlock()
	if shouldFlush {
		go lb.Flush()
	}
}

// Flush writes all buffered entries to the database in a single batch insert.
func (lb *LogBuffer) Flush() {
	lb.mu.Lock()
	if len(lb.entries) == 0 {
		lb.mu.Unlock()
		return
	}
	batch := lb.entries
	lb.entries = nil
	lb.mu.Unlock()

	ctx := context.Background()
	tx, err := lb.db.BeginTx(ctx)
	if err != nil {
		log.Printf("ERROR: log buffer begin tx: %v", err)
		return
	}

	_, err = tx.Exec(ctx, "SET LOCAL synchronous_commit = off")
	if err != nil {
		tx.Rollback(ctx)
		log.Printf("ERROR: log buffer set sync commit: %v", err)
		return
	}

	cols := []string{"execution_id", "workflow_id", "level", "message", "step_index", "context"}
	var placeholders []string
	var args []any
	for i, entry := range batch {
		offset := i * len(cols)
		ph := make([]string, len(cols))
		for j := range cols {
			ph[j] = fmt.Sprintf("$%d", offset+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		var ctxJSON any
		if entry.Context != nil {
			b, _ := json.Marshal(entry.Context)
			ctxJSON = string(b)
		}

		args = append(args, entry.ExecutionID, entry.WorkflowID, entry.Level, entry.Message, entry.StepIndex, ctxJSON)
	}

	sql := fmt.Sprintf("INSERT INTO _execution_logs (%s) VALUES %s", strings.Join(cols, ","), strings.Join(placeholders, ","))
	_, err = tx.Exec(ctx, sql, args...)
	if err != nil {
		tx.Rollback(ctx)
		log.Printf("ERROR: log buffer insert: %v", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("ERROR: log buffer commit: %v", err)
	}
}

// Stop halts the background ticker and flushes remaining entries.
func (lb *LogBuffer) Stop() {
	if lb.ticker != nil {
		lb.ticker.Stop()
	}
	close(lb.done)
	lb.Flush()
}
