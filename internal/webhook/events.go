package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bridge-backend/internal/store"
)

// Delivery statuses for webhook events.
const (
	StatusReceived  = "received"
	StatusRejected  = "rejected"
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is one webhook delivery attempt record. The payload is immutable
// once stored; only status, attempt bookkeeping and response fields mutate.
type Event struct {
	ID             string         `json:"id"`
	Direction      string         `json:"direction"`
	EndpointID     string         `json:"endpoint_id"`
	Category       string         `json:"category"`
	Payload        map[string]any `json:"payload"`
	Signature      string         `json:"signature"`
	Status         string         `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	ResponseStatus int            `json:"response_status,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	Error          string         `json:"error,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	DeliveryID     string         `json:"delivery_id,omitempty"`
	FirstSeenAt    time.Time      `json:"first_seen_at"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
}

// NewEventID returns a prefixed unique event identifier.
func NewEventID() string {
	return "evt_" + uuid.New().String()
}

// NewDeliveryID returns the unique identifier consumers deduplicate on.
func NewDeliveryID() string {
	return "wh_" + uuid.New().String()
}

// DueDelivery is an outbound event due for retry joined with its endpoint.
type DueDelivery struct {
	Event  *Event
	URL    string
	Secret string
}

// EventFilter narrows List queries.
type EventFilter struct {
	Direction     string
	Status        string
	EndpointID    string
	CorrelationID string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// EventStore is the append-only record of every inbound and outbound
// webhook event. It is the source of truth for audit and replay.
type EventStore struct {
	db store.Querier
}

func NewEventStore(db store.Querier) *EventStore {
	return &EventStore{db: db}
}

// Append inserts a new event row. Payload and signature never change after
// this write.
func (s *EventStore) Append(ctx context.Context, evt *Event) error {
	if evt.ID == "" {
		evt.ID = NewEventID()
	}
	if evt.FirstSeenAt.IsZero() {
		evt.FirstSeenAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = store.Exec(ctx, s.db,
		`INSERT INTO _webhook_events
		 (id, direction, endpoint_id, category, payload, signature, status, attempt, max_attempts,
		  next_retry_at, response_status, response_body, error, correlation_id, delivery_id, first_seen_at, last_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		evt.ID, evt.Direction, evt.EndpointID, evt.Category, string(payloadJSON), evt.Signature,
		evt.Status, evt.Attempt, evt.MaxAttempts, evt.NextRetryAt,
		nilIfZero(evt.ResponseStatus), nilIfEmptyStr(evt.ResponseBody), nilIfEmptyStr(evt.Error),
		evt.CorrelationID, evt.DeliveryID, evt.FirstSeenAt, evt.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("append webhook event: %w", err)
	}
	return nil
}

// UpdateDelivery persists the mutable delivery fields of an outbound event.
func (s *EventStore) UpdateDelivery(ctx context.Context, evt *Event) error {
	_, err := store.Exec(ctx, s.db,
		`UPDATE _webhook_events
		 SET status = $1, attempt = $2, next_retry_at = $3, response_status = $4,
		     response_body = $5, error = $6, last_attempt_at = $7
		 WHERE id = $8`,
		evt.Status, evt.Attempt, evt.NextRetryAt, nilIfZero(evt.ResponseStatus),
		nilIfEmptyStr(evt.ResponseBody), nilIfEmptyStr(evt.Error), evt.LastAttemptAt, evt.ID)
	if err != nil {
		return fmt.Errorf("update webhook event %s: %w", evt.ID, err)
	}
	return nil
}

// Get loads a single event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*Event, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _webhook_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseEventRow(row)
}

// FindDueRetries returns outbound events in retrying state whose next
// attempt is due, joined with their endpoint's URL and secret.
func (s *EventStore) FindDueRetries(ctx context.Context, limit int) ([]*DueDelivery, error) {
	rows, err := store.QueryRows(ctx, s.db,
		`SELECT e.*, ep.url AS endpoint_url, ep.secret AS endpoint_secret
		 FROM _webhook_events e
		 JOIN _webhook_endpoints ep ON ep.id::text = e.endpoint_id
		 WHERE e.status = 'retrying' AND e.next_retry_at < NOW() AND ep.active = true
		 ORDER BY e.next_retry_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}

	var due []*DueDelivery
	for _, row := range rows {
		evt, err := parseEventRow(row)
		if err != nil {
			continue
		}
		due = append(due, &DueDelivery{
			Event:  evt,
			URL:    asString(row["endpoint_url"]),
			Secret: asString(row["endpoint_secret"]),
		})
	}
	return due, nil
}

// List returns events matching the filter, newest first.
func (s *EventStore) List(ctx context.Context, f EventFilter) ([]*Event, error) {
	sql := `SELECT * FROM _webhook_events WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if f.Direction != "" {
		add("direction =", f.Direction)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.EndpointID != "" {
		add("endpoint_id =", f.EndpointID)
	}
	if f.CorrelationID != "" {
		add("correlation_id =", f.CorrelationID)
	}
	if f.From != nil {
		add("first_seen_at >=", *f.From)
	}
	if f.To != nil {
		add("first_seen_at <=", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY first_seen_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	sql += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := store.QueryRows(ctx, s.db, sql, args...)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		evt, err := parseEventRow(row)
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func parseEventRow(row map[string]any) (*Event, error) {
	evt := &Event{
		ID:             asString(row["id"]),
		Direction:      asString(row["direction"]),
		EndpointID:     asString(row["endpoint_id"]),
		Category:       asString(row["category"]),
		Signature:      asString(row["signature"]),
		Status:         asString(row["status"]),
		Attempt:        asInt(row["attempt"]),
		MaxAttempts:    asInt(row["max_attempts"]),
		ResponseStatus: asInt(row["response_status"]),
		ResponseBody:   asString(row["response_body"]),
		Error:          asString(row["error"]),
		CorrelationID:  asString(row["correlation_id"]),
		DeliveryID:     asString(row["delivery_id"]),
	}

	evt.Payload = map[string]any{}
	switch v := row["payload"].(type) {
	case map[string]any:
		evt.Payload = v
	case string:
		_ = json.Unmarshal([]byte(v), &evt.Payload)
	case []byte:
		_ = json.Unmarshal(v, &evt.Payload)
	}

	if t, ok := row["first_seen_at"].(time.Time); ok {
		evt.FirstSeenAt = t
	}
	if t, ok := row["next_retry_at"].(time.Time); ok {
		evt.NextRetryAt = &t
	}
	if t, ok := row["last_attempt_at"].(time.Time); ok {
		evt.LastAttemptAt = &t
	}
	return evt, nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

func nilIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func nilIfEmptyStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
