package monitor

import (
	"context"
	"testing"
	"time"
)

type memLogs struct {
	entries []LogEntry
}

func (m *memLogs) Enqueue(entry LogEntry) {
	m.entries = append(m.entries, entry)
}

type memErrors struct {
	errors []*ExecutionError
}

func (m *memErrors) Insert(ctx context.Context, e *ExecutionError) error {
	cp := *e
	m.errors = append(m.errors, &cp)
	return nil
}

type memSamples struct {
	samples []*PerformanceSample
}

func (m *memSamples) Insert(ctx context.Context, sample *PerformanceSample) error {
	cp := *sample
	m.samples = append(m.samples, &cp)
	return nil
}

type memAlerts struct {
	alerts []*Alert
}

func (m *memAlerts) Insert(ctx context.Context, a *Alert) error {
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

func newTestCollector() (*Collector, *memLogs, *memErrors, *memSamples, *memAlerts) {
	logs := &memLogs{}
	errs := &memErrors{}
	samples := &memSamples{}
	alerts := &memAlerts{}
	return NewCollector(logs, errs, samples, alerts), logs, errs, samples, alerts
}

func TestRecordLogDefaultsLevel(t *testing.T) {
	c, logs, _, _, _ := newTestCollector()

	c.RecordLog(LogEntry{Message: "step started"})
	c.RecordLog(LogEntry{Level: LevelError, Message: "step blew up"})

	if len(logs.entries) != 2 {
		t.Fatalf("buffered entries = %d, want 2", len(logs.entries))
	}
	if logs.entries[0].Level != LevelInfo {
		t.Errorf("default level = %q, want info", logs.entries[0].Level)
	}
	if logs.entries[1].Level != LevelError {
		t.Errorf("explicit level = %q, want error", logs.entries[1].Level)
	}
}

func TestHighSeverityErrorRaisesCriticalAlert(t *testing.T) {
	c, _, errs, _, alerts := newTestCollector()
	ctx := context.Background()

	if err := c.RecordError(ctx, &ExecutionError{
		WorkflowID: "wf_reports",
		Category:   CategoryNetwork,
		Severity:   SeverityHigh,
		Message:    "upstream unreachable",
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	if len(errs.errors) != 1 {
		t.Fatalf("stored errors = %d, want 1", len(errs.errors))
	}
	if errs.errors[0].ID == "" {
		t.Fatal("stored error must be assigned an id")
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts.alerts))
	}
	a := alerts.alerts[0]
	if a.Type != AlertError || a.Severity != AlertCriticalSev {
		t.Fatalf("alert = %s/%s, want error/critical", a.Type, a.Severity)
	}
	if a.WorkflowID != "wf_reports" {
		t.Fatalf("alert workflow = %q, want wf_reports", a.WorkflowID)
	}
}

func TestLowSeverityErrorRaisesNoAlert(t *testing.T) {
	c, _, errs, _, alerts := newTestCollector()
	ctx := context.Background()

	for _, sev := range []string{SeverityLow, SeverityMedium} {
		if err := c.RecordError(ctx, &ExecutionError{Category: CategoryData, Severity: sev, Message: "m"}); err != nil {
			t.Fatalf("record %s error: %v", sev, err)
		}
	}
	if len(errs.errors) != 2 {
		t.Fatalf("stored errors = %d, want 2", len(errs.errors))
	}
	if len(alerts.alerts) != 0 {
		t.Fatalf("alerts = %d, want none below high severity", len(alerts.alerts))
	}
}

func TestUnknownSeverityDefaultsToMedium(t *testing.T) {
	c, _, errs, _, alerts := newTestCollector()

	if err := c.RecordError(context.Background(), &ExecutionError{Category: CategorySystem, Severity: "catastrophic", Message: "m"}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if errs.errors[0].Severity != SeverityMedium {
		t.Fatalf("severity = %q, want medium fallback", errs.errors[0].Severity)
	}
	if len(alerts.alerts) != 0 {
		t.Fatal("fallback severity must not alert")
	}
}

func TestPerformanceThresholdAlert(t *testing.T) {
	c, _, _, samples, alerts := newTestCollector()
	ctx := context.Background()

	// Under the default threshold: sample stored, no alert.
	if err := c.RecordPerformance(ctx, &PerformanceSample{ExecutionID: "exec_1", WorkflowID: "wf_reports", DurationMs: 30_000}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if len(alerts.alerts) != 0 {
		t.Fatal("sample under threshold must not alert")
	}

	// Over the default threshold.
	if err := c.RecordPerformance(ctx, &PerformanceSample{ExecutionID: "exec_2", WorkflowID: "wf_reports", DurationMs: 90_000}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if len(samples.samples) != 2 {
		t.Fatalf("stored samples = %d, want 2", len(samples.samples))
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts.alerts))
	}
	if a := alerts.alerts[0]; a.Type != AlertPerformance || a.Severity != AlertWarning {
		t.Fatalf("alert = %s/%s, want performance/warning", a.Type, a.Severity)
	}
}

func TestPerformanceThresholdPerWorkflowOverride(t *testing.T) {
	c, _, _, _, alerts := newTestCollector()
	ctx := context.Background()

	c.SetPerformanceThreshold("wf_slow", 120_000)

	// 90s breaches the default but not the override.
	if err := c.RecordPerformance(ctx, &PerformanceSample{ExecutionID: "exec_1", WorkflowID: "wf_slow", DurationMs: 90_000}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if len(alerts.alerts) != 0 {
		t.Fatal("sample under the workflow's own threshold must not alert")
	}

	if err := c.RecordPerformance(ctx, &PerformanceSample{ExecutionID: "exec_2", WorkflowID: "wf_slow", DurationMs: 150_000}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 above the override", len(alerts.alerts))
	}
}

func TestRepeatedFailuresRaiseOneDependencyAlert(t *testing.T) {
	c, _, _, _, alerts := newTestCollector()
	ctx := context.Background()

	c.ExecutionFailed(ctx, "wf_reports", "exec_1")
	c.ExecutionFailed(ctx, "wf_reports", "exec_2")
	if len(alerts.alerts) != 0 {
		t.Fatal("two failures must not trip the rule")
	}

	c.ExecutionFailed(ctx, "wf_reports", "exec_3")
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 after third failure", len(alerts.alerts))
	}
	if a := alerts.alerts[0]; a.Type != AlertDependency || a.Severity != AlertWarning {
		t.Fatalf("alert = %s/%s, want dependency/warning", a.Type, a.Severity)
	}

	// The window resets after a trip: two more failures stay quiet.
	c.ExecutionFailed(ctx, "wf_reports", "exec_4")
	c.ExecutionFailed(ctx, "wf_reports", "exec_5")
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts after reset = %d, want still 1", len(alerts.alerts))
	}
	c.ExecutionFailed(ctx, "wf_reports", "exec_6")
	if len(alerts.alerts) != 2 {
		t.Fatalf("alerts = %d, want 2 after the window refills", len(alerts.alerts))
	}
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	c, _, _, _, alerts := newTestCollector()
	ctx := context.Background()

	base := time.Now().UTC()
	now := base
	c.clock = func() time.Time { return now }

	c.ExecutionFailed(ctx, "wf_reports", "exec_1")
	now = base.Add(4 * time.Minute)
	c.ExecutionFailed(ctx, "wf_reports", "exec_2")

	// The first failure ages out before the third arrives.
	now = base.Add(11 * time.Minute)
	c.ExecutionFailed(ctx, "wf_reports", "exec_3")
	if len(alerts.alerts) != 0 {
		t.Fatalf("alerts = %d, want none when failures span past the window", len(alerts.alerts))
	}
}

func TestFailuresTrackedPerWorkflow(t *testing.T) {
	c, _, _, _, alerts := newTestCollector()
	ctx := context.Background()

	c.ExecutionFailed(ctx, "wf_a", "exec_1")
	c.ExecutionFailed(ctx, "wf_b", "exec_2")
	c.ExecutionFailed(ctx, "wf_a", "exec_3")
	c.ExecutionFailed(ctx, "wf_b", "exec_4")
	if len(alerts.alerts) != 0 {
		t.Fatal("failures of different workflows must not combine")
	}

	c.ExecutionFailed(ctx, "wf_a", "exec_5")
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 for wf_a alone", len(alerts.alerts))
	}
}

func TestRecordExecutionErrorReturnsStoredID(t *testing.T) {
	c, _, errs, _, _ := newTestCollector()

	id, err := c.RecordExecutionError(context.Background(), "wf_reports", "exec_1", CategoryTimeout, SeverityHigh, "deadline passed")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if id == "" || len(errs.errors) != 1 || errs.errors[0].ID != id {
		t.Fatalf("returned id %q must match the stored error", id)
	}
}

func TestClassifyHealth(t *testing.T) {
	cases := []struct {
		name string
		s    Summary
		crit int
		want string
	}{
		{"no traffic", Summary{}, 0, HealthHealthy},
		{"all good", Summary{TotalExecutions: 10, Successful: 10, SuccessRate: 1}, 0, HealthHealthy},
		{"open critical alert", Summary{TotalExecutions: 10, Successful: 10, SuccessRate: 1}, 1, HealthCritical},
		{"unresolved alerts", Summary{TotalExecutions: 10, Successful: 10, SuccessRate: 1, UnresolvedAlerts: 2}, 0, HealthDegraded},
		{"low success rate", Summary{TotalExecutions: 10, Successful: 8, Failed: 2, SuccessRate: 0.8}, 0, HealthDegraded},
	}
	for _, tc := range cases {
		if got := classifyHealth(tc.s, tc.crit); got != tc.want {
			t.Errorf("%s: health = %q, want %q", tc.name, got, tc.want)
		}
	}
}
