package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"bridge-backend/internal/store"
)

// CleanupOldRecords deletes monitoring records older than retentionDays.
// Unresolved errors and alerts are kept regardless of age; nothing
// unresolved is ever auto-dismissed.
func CleanupOldRecords(ctx context.Context, db store.Querier, retentionDays int) {
	cutoff := fmt.Sprintf("%d days", retentionDays)

	deletes := []struct {
		name string
		sql  string
	}{
		{"execution logs", `DELETE FROM _execution_logs WHERE created_at < NOW() - $1::interval`},
		{"resolved errors", `DELETE FROM _execution_errors WHERE resolved = true AND created_at < NOW() - $1::interval`},
		{"performance samples", `DELETE FROM _performance_samples WHERE created_at < NOW() - $1::interval`},
		{"resolved alerts", `DELETE FROM _alerts WHERE resolved = true AND created_at < NOW() - $1::interval`},
	}

	for _, d := range deletes {
		n, err := store.Exec(ctx, db, d.sql, cutoff)
		if err != nil {
			log.Printf("ERROR: %s cleanup: %v", d.name, err)
			continue
		}
		if n > 0 {
			log.Printf("Monitoring cleanup: deleted %d old %s", n, d.name)
		}
	}
}

// CleanupScheduler runs retention cleanup once a day.
type CleanupScheduler struct {
	db            store.Querier
	retentionDays int
	ticker        *time.Ticker
	done          chan struct{}
}

func NewCleanupScheduler(db store.Querier, retentionDays int) *CleanupScheduler {
	return &CleanupScheduler{db: db, retentionDays: retentionDays}
}

func (cs *CleanupScheduler) Start() {
	cs.ticker = time.NewTicker(24 * time.Hour)
	cs.done = make(chan struct{})
	go cs.run()
	log.Printf("Monitoring cleanup scheduler started (%d day retention)", cs.retentionDays)
}

func (cs *CleanupScheduler) Stop() {
	if cs.ticker != nil {
		cs.ticker.Stop()
	}
	if cs.done != nil {
		close(cs.done)
	}
}

func (cs *CleanupScheduler) run() {
	for {
		select {
		case <-cs.done:
			return
		case <-cs.ticker.C:
			CleanupOldRecords(context.Background(), cs.db, cs.retentionDays)
		}
	}
}
