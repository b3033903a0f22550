package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"bridge-backend/internal/store"
)

// Health classifications.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Summary is the cached dashboard aggregate. Counts always satisfy
// successful + failed <= total.
type Summary struct {
	TotalExecutions  int       `json:"total_executions"`
	Successful       int       `json:"successful"`
	Failed           int       `json:"failed"`
	SuccessRate      float64   `json:"success_rate"`
	MeanDurationMs   float64   `json:"mean_duration_ms"`
	UnresolvedErrors int       `json:"unresolved_errors"`
	UnresolvedAlerts int       `json:"unresolved_alerts"`
	QueueLag         int       `json:"queue_lag"`
	Health           string    `json:"health"`
	ComputedAt       time.Time `json:"computed_at"`
}

// SummaryCache recomputes the dashboard summary on a fixed interval
// instead of per write, bounding read cost under high write volume.
type SummaryCache struct {
	db       store.Querier
	interval time.Duration

	mu      sync.RWMutex
	current Summary

	ticker *time.Ticker
	done   chan struct{}
}

func NewSummaryCache(db store.Querier, interval time.Duration) *SummaryCache {
	return &SummaryCache{db: db, interval: interval}
}

// Get returns the latest computed summary.
func (sc *SummaryCache) Get() Summary {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.current
}

// Recompute queries the aggregates and swaps the cached summary.
func (sc *SummaryCache) Recompute(ctx context.Context) error {
	s := Summary{ComputedAt: time.Now().UTC()}

	row, err := store.QueryRow(ctx, sc.db,
		`SELECT COUNT(*) AS total,
		        COUNT(*) FILTER (WHERE state = 'succeeded') AS successful,
		        COUNT(*) FILTER (WHERE state IN ('failed', 'timed_out')) AS failed
		 FROM _workflow_executions`)
	if err != nil {
		return err
	}
	s.TotalExecutions = toInt(row["total"])
	s.Successful = toInt(row["successful"])
	s.Failed = toInt(row["failed"])
	if finished := s.Successful + s.Failed; finished > 0 {
		s.SuccessRate = float64(s.Successful) / float64(finished)
	}

	row, err = store.QueryRow(ctx, sc.db,
		`SELECT COALESCE(AVG(duration_ms), 0) AS mean_ms FROM _performance_samples`)
	if err != nil {
		return err
	}
	s.MeanDurationMs = toFloat(row["mean_ms"])

	row, err = store.QueryRow(ctx, sc.db,
		`SELECT COUNT(*) AS n FROM _execution_errors WHERE resolved = false`)
	if err != nil {
		return err
	}
	s.UnresolvedErrors = toInt(row["n"])

	row, err = store.QueryRow(ctx, sc.db,
		`SELECT COUNT(*) AS n,
		        COUNT(*) FILTER (WHERE severity = 'critical') AS critical
		 FROM _alerts WHERE resolved = false`)
	if err != nil {
		return err
	}
	s.UnresolvedAlerts = toInt(row["n"])
	criticalOpen := toInt(row["critical"])

	row, err = store.QueryRow(ctx, sc.db,
		`SELECT COUNT(*) AS n FROM _processing_queue WHERE status = 'pending'`)
	if err != nil {
		return err
	}
	s.QueueLag = toInt(row["n"])

	s.Health = classifyHealth(s, criticalOpen)

	sc.mu.Lock()
	sc.current = s
	sc.mu.Unlock()
	return nil
}

func classifyHealth(s Summary, criticalOpen int) string {
	if criticalOpen > 0 {
		return HealthCritical
	}
	if s.UnresolvedAlerts > 0 || (s.Successful+s.Failed > 0 && s.SuccessRate < 0.9) {
		return HealthDegraded
	}
	return HealthHealthy
}

func (sc *SummaryCache) Start() {
	sc.ticker = time.NewTicker(sc.interval)
	sc.done = make(chan struct{})
	go sc.run()
	log.Printf("Dashboard summary cache started (%s interval)", sc.interval)
}

func (sc *SummaryCache) Stop() {
	if sc.ticker != nil {
		sc.ticker.Stop()
	}
	if sc.done != nil {
		close(sc.done)
	}
}

func (sc *SummaryCache) run() {
	for {
		select {
		case <-sc.done:
			return
		case <-sc.ticker.C:
			if err := sc.Recompute(context.Background()); err != nil {
				log.Printf("ERROR: summary recompute: %v", err)
			}
		}
	}
}
