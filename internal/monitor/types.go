package monitor

import (
	"time"

	"github.com/google/uuid"
)

// Log levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

// Error categories.
const (
	CategoryNetwork    = "network"
	CategoryValidation = "validation"
	CategoryTimeout    = "timeout"
	CategoryPermission = "permission"
	CategoryData       = "data"
	CategorySystem     = "system"
)

// Error severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types.
const (
	AlertError       = "error"
	AlertPerformance = "performance"
	AlertDependency  = "dependency"
	AlertCapacity    = "capacity"
)

// Alert severities.
const (
	AlertInfo        = "info"
	AlertWarning     = "warning"
	AlertCriticalSev = "critical"
)

// LogEntry is one immutable structured log line, optionally tied to an
// execution and a step.
type LogEntry struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	StepIndex   *int           `json:"step_index,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ExecutionError is a recorded failure. Only the resolution sub-record
// mutates.
type ExecutionError struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id,omitempty"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	Category        string         `json:"category"`
	Severity        string         `json:"severity"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	Resolved        bool           `json:"resolved"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// PerformanceSample is one immutable measurement, one per execution.
type PerformanceSample struct {
	ExecutionID     string   `json:"execution_id"`
	WorkflowID      string   `json:"workflow_id,omitempty"`
	DurationMs      int64    `json:"duration_ms"`
	CPUPeak         float64  `json:"cpu_peak"`
	CPUAvg          float64  `json:"cpu_avg"`
	MemoryPeakMB    float64  `json:"memory_peak_mb"`
	MemoryAvgMB     float64  `json:"memory_avg_mb"`
	Throughput      float64  `json:"throughput"`
	BottleneckSteps []string `json:"bottleneck_steps,omitempty"`
}

// Alert carries independently mutable acknowledgement and resolution
// sub-records, both idempotent to repeated identical updates.
type Alert struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	WorkflowID     string     `json:"workflow_id,omitempty"`
	ExecutionID    string     `json:"execution_id,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func NewErrorID() string { return "err_" + uuid.New().String() }
func NewAlertID() string { return "alr_" + uuid.New().String() }

func validSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func severityAtLeastHigh(s string) bool {
	return s == SeverityHigh || s == SeverityCritical
}
