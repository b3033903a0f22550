package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"bridge-backend/internal/store"
)

// SampleStore persists _performance_samples, one row per execution.
type SampleStore struct {
	db store.Querier
}

func NewSampleStore(db store.Querier) *SampleStore {
	return &SampleStore{db: db}
}

func (s *SampleStore) Insert(ctx context.Context, sample *PerformanceSample) error {
	steps := sample.BottleneckSteps
	if steps == nil {
		steps = []string{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal bottleneck steps: %w", err)
	}
	_, err = store.Exec(ctx, s.db,
		`INSERT INTO _performance_samples
		 (execution_id, workflow_id, duration_ms, cpu_peak, cpu_avg, memory_peak_mb, memory_avg_mb, throughput, bottleneck_steps)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (execution_id) DO NOTHING`,
		sample.ExecutionID, sample.WorkflowID, sample.DurationMs,
		sample.CPUPeak, sample.CPUAvg, sample.MemoryPeakMB, sample.MemoryAvgMB,
		sample.Throughput, string(stepsJSON))
	if err != nil {
		return fmt.Errorf("insert performance sample: %w", err)
	}
	return nil
}

func (s *SampleStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*PerformanceSample, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := store.QueryRows(ctx, s.db,
		`SELECT * FROM _performance_samples WHERE workflow_id = $1 ORDER BY created_at DESC LIMIT $2`,
		workflowID, limit)
	if err != nil {
		return nil, err
	}
	samples := make([]*PerformanceSample, 0, len(rows))
	for _, row := range rows {
		sample := &PerformanceSample{
			ExecutionID:  toStr(row["execution_id"]),
			WorkflowID:   toStr(row["workflow_id"]),
			DurationMs:   toInt64(row["duration_ms"]),
			CPUPeak:      toFloat(row["cpu_peak"]),
			CPUAvg:       toFloat(row["cpu_avg"]),
			MemoryPeakMB: toFloat(row["memory_peak_mb"]),
			MemoryAvgMB:  toFloat(row["memory_avg_mb"]),
			Throughput:   toFloat(row["throughput"]),
		}
		switch v := row["bottleneck_steps"].(type) {
		case []any:
			for _, step := range v {
				sample.BottleneckSteps = append(sample.BottleneckSteps, toStr(step))
			}
		case string:
			_ = json.Unmarshal([]byte(v), &sample.BottleneckSteps)
		case []byte:
			_ = json.Unmarshal(v, &sample.BottleneckSteps)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// LogSink, ErrorSink, SampleSink and AlertInserter are the write slices
// of the monitoring stores the collector drives.
type LogSink interface {
	Enqueue(entry LogEntry)
}

type ErrorSink interface {
	Insert(ctx context.Context, e *ExecutionError) error
}

type SampleSink interface {
	Insert(ctx context.Context, sample *PerformanceSample) error
}

type AlertInserter interface {
	Insert(ctx context.Context, a *Alert) error
}

// Collector ingests the three monitoring streams and evaluates the
// declarative alert rules on each write. It is the sole writer of logs,
// errors, samples and alerts.
type Collector struct {
	logs    LogSink
	errors  ErrorSink
	samples SampleSink
	alerts  AlertInserter
	clock   func() time.Time

	defaultPerfMs int64

	mu             sync.Mutex
	perfThresholds map[string]int64
	failures       map[string][]time.Time
	failWindow     time.Duration
	failThreshold  int
}

func NewCollector(logs LogSink, errors ErrorSink, samples SampleSink, alerts AlertInserter) *Collector {
	return &Collector{
		logs:           logs,
		errors:         errors,
		samples:        samples,
		alerts:         alerts,
		clock:          func() time.Time { return time.Now().UTC() },
		defaultPerfMs:  60_000,
		perfThresholds: map[string]int64{},
		failures:       map[string][]time.Time{},
		failWindow:     10 * time.Minute,
		failThreshold:  3,
	}
}

// SetPerformanceThreshold overrides the duration threshold for one
// workflow.
func (c *Collector) SetPerformanceThreshold(workflowID string, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perfThresholds[workflowID] = ms
}

// RecordLog buffers one immutable log entry.
func (c *Collector) RecordLog(entry LogEntry) {
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	c.logs.Enqueue(entry)
}

// RecordError stores an error and runs the severity rule: severity at
// least high raises a critical alert immediately.
func (c *Collector) RecordError(ctx context.Context, e *ExecutionError) error {
	if e.ID == "" {
		e.ID = NewErrorID()
	}
	if !validSeverity(e.Severity) {
		e.Severity = SeverityMedium
	}
	if err := c.errors.Insert(ctx, e); err != nil {
		return err
	}

	if severityAtLeastHigh(e.Severity) {
		c.Raise(ctx, AlertError, AlertCriticalSev,
			fmt.Sprintf("High-severity %s error", e.Category),
			e.Message, e.WorkflowID, e.ExecutionID)
	}
	return nil
}

// RecordExecutionError is the narrow entry point used by the execution
// tracker. Returns the stored error id.
func (c *Collector) RecordExecutionError(ctx context.Context, workflowID, executionID, category, severity, message string) (string, error) {
	e := &ExecutionError{
		ID:          NewErrorID(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Category:    category,
		Severity:    severity,
		Message:     message,
	}
	if err := c.RecordError(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// RecordPerformance stores one sample and runs the duration rule.
func (c *Collector) RecordPerformance(ctx context.Context, sample *PerformanceSample) error {
	if err := c.samples.Insert(ctx, sample); err != nil {
		return err
	}

	c.mu.Lock()
	threshold, ok := c.perfThresholds[sample.WorkflowID]
	c.mu.Unlock()
	if !ok {
		threshold = c.defaultPerfMs
	}
	if sample.DurationMs > threshold {
		c.Raise(ctx, AlertPerformance, AlertWarning,
			"Execution exceeded duration threshold",
			fmt.Sprintf("execution %s ran %dms against a %dms threshold", sample.ExecutionID, sample.DurationMs, threshold),
			sample.WorkflowID, sample.ExecutionID)
	}
	return nil
}

// ExecutionFailed feeds the repeated-failure rule: threshold failures of
// the same workflow inside the window raise one dependency alert, then
// the window resets.
func (c *Collector) ExecutionFailed(ctx context.Context, workflowID, executionID string) {
	now := c.clock()
	cutoff := now.Add(-c.failWindow)

	c.mu.Lock()
	recent := c.failures[workflowID][:0]
	for _, t := range c.failures[workflowID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	tripped := len(recent) >= c.failThreshold
	if tripped {
		recent = nil
	}
	c.failures[workflowID] = recent
	c.mu.Unlock()

	if tripped {
		c.Raise(ctx, AlertDependency, AlertWarning,
			"Repeated workflow failures",
			fmt.Sprintf("workflow %s failed %d times within %s", workflowID, c.failThreshold, c.failWindow),
			workflowID, executionID)
	}
}

// Raise stores a new alert. Implements the sink used by the dispatcher,
// the processing queue and the tracker.
func (c *Collector) Raise(ctx context.Context, alertType, severity, title, description, workflowID, executionID string) {
	a := &Alert{
		ID:          NewAlertID(),
		Type:        alertType,
		Severity:    severity,
		Title:       title,
		Description: description,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
	}
	if err := c.alerts.Insert(ctx, a); err != nil {
		log.Printf("ERROR: raise %s alert %q: %v", alertType, title, err)
	}
}
