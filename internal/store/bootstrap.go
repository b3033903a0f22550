package store

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT[] DEFAULT '{}',
    active        BOOLEAN DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _webhook_endpoints (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name       TEXT NOT NULL,
    direction  TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
    url        TEXT NOT NULL DEFAULT '',
    subsystem  TEXT NOT NULL DEFAULT '',
    secret     TEXT NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (name, direction)
);

CREATE TABLE IF NOT EXISTS _webhook_events (
    id              TEXT PRIMARY KEY,
    direction       TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
    endpoint_id     TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT '',
    payload         JSONB NOT NULL DEFAULT '{}',
    signature       TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    attempt         INT NOT NULL DEFAULT 0,
    max_attempts    INT NOT NULL DEFAULT 1,
    next_retry_at   TIMESTAMPTZ,
    response_status INT,
    response_body   TEXT,
    error           TEXT,
    correlation_id  TEXT NOT NULL DEFAULT '',
    delivery_id     TEXT NOT NULL DEFAULT '',
    first_seen_at   TIMESTAMPTZ DEFAULT NOW(),
    last_attempt_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON _webhook_events(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_webhook_events_corr ON _webhook_events(correlation_id, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_webhook_events_seen ON _webhook_events(first_seen_at);

CREATE TABLE IF NOT EXISTS _processing_queue (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    event_id   TEXT NOT NULL REFERENCES _webhook_events(id),
    status     TEXT NOT NULL DEFAULT 'pending',
    attempts   INT NOT NULL DEFAULT 0,
    error      TEXT,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_processing_queue_status ON _processing_queue(status, created_at);

CREATE TABLE IF NOT EXISTS _workflow_triggers (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name             TEXT NOT NULL UNIQUE,
    workflow_id      TEXT NOT NULL,
    workflow_type    TEXT NOT NULL DEFAULT '',
    trigger_type     TEXT NOT NULL CHECK (trigger_type IN ('manual', 'schedule', 'data_event')),
    endpoint_name    TEXT NOT NULL DEFAULT '',
    payload_template JSONB NOT NULL DEFAULT '{}',
    condition        TEXT NOT NULL DEFAULT '',
    enabled          BOOLEAN NOT NULL DEFAULT true,
    created_at       TIMESTAMPTZ DEFAULT NOW(),
    updated_at       TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _workflow_executions (
    id                 TEXT PRIMARY KEY,
    workflow_id        TEXT NOT NULL,
    workflow_type      TEXT NOT NULL DEFAULT '',
    trigger_id         TEXT NOT NULL DEFAULT '',
    state              TEXT NOT NULL DEFAULT 'pending',
    version            BIGINT NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ DEFAULT NOW(),
    last_transition_at TIMESTAMPTZ DEFAULT NOW(),
    terminal_at        TIMESTAMPTZ,
    timeout_at         TIMESTAMPTZ,
    result             JSONB,
    error_id           TEXT,
    retry_count        INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_wf ON _workflow_executions(workflow_id, started_at);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_open ON _workflow_executions(state, timeout_at) WHERE terminal_at IS NULL;

CREATE TABLE IF NOT EXISTS _sync_configurations (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    entity_type TEXT NOT NULL UNIQUE,
    direction   TEXT NOT NULL CHECK (direction IN ('local_to_remote', 'remote_to_local', 'bidirectional')),
    mapping     JSONB NOT NULL DEFAULT '{}',
    strategy    TEXT NOT NULL CHECK (strategy IN ('last_write_wins', 'merge', 'manual')),
    enabled     BOOLEAN NOT NULL DEFAULT true,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _sync_state (
    entity_type    TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    last_synced_at TIMESTAMPTZ,
    local_stamp    TIMESTAMPTZ,
    remote_stamp   TIMESTAMPTZ,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS _sync_conflicts (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    entity_type      TEXT NOT NULL,
    entity_id        TEXT NOT NULL,
    local_version    JSONB NOT NULL DEFAULT '{}',
    remote_version   JSONB NOT NULL DEFAULT '{}',
    detected_at      TIMESTAMPTZ DEFAULT NOW(),
    status           TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'resolved')),
    strategy_applied TEXT,
    resolved_by      TEXT,
    resolved_at      TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_conflicts_open ON _sync_conflicts(entity_type, entity_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS _sync_queue (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    priority    INT NOT NULL DEFAULT 10,
    initiator   TEXT NOT NULL DEFAULT 'scheduled',
    status      TEXT NOT NULL DEFAULT 'pending',
    attempts    INT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON _sync_queue(status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS _sync_local (
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    doc         JSONB NOT NULL DEFAULT '{}',
    modified_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS _sync_remote (
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    doc         JSONB NOT NULL DEFAULT '{}',
    modified_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS _execution_logs (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    execution_id TEXT NOT NULL DEFAULT '',
    workflow_id  TEXT NOT NULL DEFAULT '',
    level        TEXT NOT NULL DEFAULT 'info',
    message      TEXT NOT NULL,
    step_index   INT,
    context      JSONB,
    created_at   TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_exec ON _execution_logs(execution_id, created_at);
CREATE INDEX IF NOT EXISTS idx_execution_logs_wf ON _execution_logs(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS _execution_errors (
    id               TEXT PRIMARY KEY,
    execution_id     TEXT NOT NULL DEFAULT '',
    workflow_id      TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL CHECK (category IN ('network', 'validation', 'timeout', 'permission', 'data', 'system')),
    severity         TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
    message          TEXT NOT NULL,
    details          JSONB,
    resolved         BOOLEAN NOT NULL DEFAULT false,
    resolution_notes TEXT,
    resolved_by      TEXT,
    resolved_at      TIMESTAMPTZ,
    created_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_execution_errors_wf ON _execution_errors(workflow_id, created_at);
CREATE INDEX IF NOT EXISTS idx_execution_errors_unresolved ON _execution_errors(workflow_id, created_at) WHERE resolved = false;

CREATE TABLE IF NOT EXISTS _performance_samples (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    execution_id     TEXT NOT NULL UNIQUE,
    workflow_id      TEXT NOT NULL DEFAULT '',
    duration_ms      BIGINT NOT NULL,
    cpu_peak         DOUBLE PRECISION NOT NULL DEFAULT 0,
    cpu_avg          DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory_peak_mb   DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory_avg_mb    DOUBLE PRECISION NOT NULL DEFAULT 0,
    throughput       DOUBLE PRECISION NOT NULL DEFAULT 0,
    bottleneck_steps JSONB NOT NULL DEFAULT '[]',
    created_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_performance_samples_wf ON _performance_samples(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS _alerts (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL CHECK (type IN ('error', 'performance', 'dependency', 'capacity')),
    severity        TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'critical')),
    title           TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    workflow_id     TEXT NOT NULL DEFAULT '',
    execution_id    TEXT NOT NULL DEFAULT '',
    acknowledged    BOOLEAN NOT NULL DEFAULT false,
    acknowledged_by TEXT,
    acknowledged_at TIMESTAMPTZ,
    resolved        BOOLEAN NOT NULL DEFAULT false,
    resolved_by     TEXT,
    resolved_at     TIMESTAMPTZ,
    created_at      TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alerts_wf ON _alerts(workflow_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_unresolved ON _alerts(workflow_id, created_at) WHERE resolved = false;
`

func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	err := s.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM _users").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO _users (email, password_hash, roles) VALUES ($1, $2, $3)`,
		"admin@localhost", string(hashBytes), []string{"admin"},
	)
	if err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme) — change the password immediately.")
	return nil
}
