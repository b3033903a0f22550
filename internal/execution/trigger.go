package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
	"bridge-backend/internal/webhook"
)

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerDataEvent = "data_event"
)

// Trigger maps an internal condition to a target external workflow plus a
// payload template.
type Trigger struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowType    string         `json:"workflow_type,omitempty"`
	TriggerType     string         `json:"trigger_type"`
	EndpointName    string         `json:"endpoint_name"`
	PayloadTemplate map[string]any `json:"payload_template"`
	Condition       string         `json:"condition,omitempty"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TriggerStore persists _workflow_triggers.
type TriggerStore struct {
	db store.Querier
}

func NewTriggerStore(db store.Querier) *TriggerStore {
	return &TriggerStore{db: db}
}

func (s *TriggerStore) Create(ctx context.Context, tr *Trigger) error {
	templateJSON, err := json.Marshal(tr.PayloadTemplate)
	if err != nil {
		return fmt.Errorf("marshal payload template: %w", err)
	}
	row, err := store.QueryRow(ctx, s.db,
		`INSERT INTO _workflow_triggers
		 (name, workflow_id, workflow_type, trigger_type, endpoint_name, payload_template, condition, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		tr.Name, tr.WorkflowID, tr.WorkflowType, tr.TriggerType, tr.EndpointName,
		string(templateJSON), tr.Condition, tr.Enabled)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	tr.ID = str(row["id"])
	if t, ok := row["created_at"].(time.Time); ok {
		tr.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		tr.UpdatedAt = t
	}
	return nil
}

func (s *TriggerStore) Get(ctx context.Context, id string) (*Trigger, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _workflow_triggers WHERE id::text = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseTriggerRow(row), nil
}

func (s *TriggerStore) List(ctx context.Context) ([]*Trigger, error) {
	rows, err := store.QueryRows(ctx, s.db,
		`SELECT * FROM _workflow_triggers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	triggers := make([]*Trigger, 0, len(rows))
	for _, row := range rows {
		triggers = append(triggers, parseTriggerRow(row))
	}
	return triggers, nil
}

func (s *TriggerStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	n, err := store.Exec(ctx, s.db,
		`UPDATE _workflow_triggers SET enabled = $1, updated_at = NOW() WHERE id::text = $2`,
		enabled, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func parseTriggerRow(row map[string]any) *Trigger {
	tr := &Trigger{
		ID:           str(row["id"]),
		Name:         str(row["name"]),
		WorkflowID:   str(row["workflow_id"]),
		WorkflowType: str(row["workflow_type"]),
		TriggerType:  str(row["trigger_type"]),
		EndpointName: str(row["endpoint_name"]),
		Condition:    str(row["condition"]),
	}
	if b, ok := row["enabled"].(bool); ok {
		tr.Enabled = b
	}
	switch v := row["payload_template"].(type) {
	case map[string]any:
		tr.PayloadTemplate = v
	case string:
		_ = json.Unmarshal([]byte(v), &tr.PayloadTemplate)
	case []byte:
		_ = json.Unmarshal(v, &tr.PayloadTemplate)
	}
	if t, ok := row["created_at"].(time.Time); ok {
		tr.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		tr.UpdatedAt = t
	}
	return tr
}

// OutboundDispatcher is the slice of the dispatcher the trigger service
// needs.
type OutboundDispatcher interface {
	Dispatch(ctx context.Context, ep *webhook.Endpoint, category string, payload map[string]any, correlationID string) (*webhook.Event, error)
}

// TriggerService fires triggers: condition check, template rendering,
// execution creation, outbound dispatch.
type TriggerService struct {
	triggers  *TriggerStore
	endpoints webhook.EndpointSource
	tracker   *Tracker
	outbound  OutboundDispatcher

	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewTriggerService(triggers *TriggerStore, endpoints webhook.EndpointSource, tracker *Tracker, outbound OutboundDispatcher) *TriggerService {
	return &TriggerService{
		triggers:  triggers,
		endpoints: endpoints,
		tracker:   tracker,
		outbound:  outbound,
		programs:  map[string]*vm.Program{},
	}
}

// Fire evaluates the trigger against input, creates an execution and
// dispatches the outbound start event. A false condition returns the
// trigger unfired with a nil execution.
func (ts *TriggerService) Fire(ctx context.Context, triggerID string, input map[string]any) (*Execution, error) {
	tr, err := ts.triggers.Get(ctx, triggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("trigger", triggerID)
		}
		return nil, err
	}
	if !tr.Enabled {
		return nil, apperr.New("TRIGGER_DISABLED", 409, fmt.Sprintf("trigger %s is disabled", tr.Name))
	}

	fire, err := ts.conditionHolds(tr, input)
	if err != nil {
		return nil, apperr.ValidationFailed([]apperr.ErrorDetail{
			{Field: "condition", Rule: "expression", Message: err.Error()},
		})
	}
	if !fire {
		return nil, nil
	}

	ep, err := ts.endpoints.GetByName(ctx, tr.EndpointName, webhook.DirectionOutbound)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("endpoint", tr.EndpointName)
		}
		return nil, err
	}

	exec, err := ts.tracker.Begin(ctx, tr.WorkflowID, tr.WorkflowType, tr.ID, 0)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"trigger_id":   tr.ID,
		"execution_id": exec.ID,
		"workflow_id":  tr.WorkflowID,
		"payload":      RenderTemplate(tr.PayloadTemplate, input),
	}
	if _, err := ts.outbound.Dispatch(ctx, ep, "trigger_fire", payload, exec.ID); err != nil {
		return nil, err
	}
	return exec, nil
}

// conditionHolds evaluates the trigger's expression against the input
// payload. Empty condition always fires. Programs are lazily compiled
// and cached per trigger.
func (ts *TriggerService) conditionHolds(tr *Trigger, input map[string]any) (bool, error) {
	if tr.Condition == "" {
		return true, nil
	}

	ts.mu.Lock()
	prog, ok := ts.programs[tr.ID]
	ts.mu.Unlock()
	if !ok {
		var err error
		prog, err = expr.Compile(tr.Condition, expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile trigger condition: %w", err)
		}
		ts.mu.Lock()
		ts.programs[tr.ID] = prog
		ts.mu.Unlock()
	}

	env := map[string]any{"payload": input}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate trigger condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("trigger condition did not return bool")
	}
	return b, nil
}

// RenderTemplate resolves the payload mapping against the input. String
// values of the form {{path.to.field}} are replaced by the value at that
// dotted path in input; everything else is copied through. Nested maps
// are rendered recursively.
func RenderTemplate(template, input map[string]any) map[string]any {
	out := make(map[string]any, len(template))
	for k, v := range template {
		switch tv := v.(type) {
		case string:
			out[k] = renderValue(tv, input)
		case map[string]any:
			out[k] = RenderTemplate(tv, input)
		default:
			out[k] = v
		}
	}
	return out
}

func renderValue(s string, input map[string]any) any {
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		path := strings.TrimSpace(s[2 : len(s)-2])
		if v, ok := lookupPath(input, path); ok {
			return v
		}
		return nil
	}
	return s
}

func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
