package webhook

import (
	"context"
	"time"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
)

// Endpoint is a registered inbound or outbound webhook address.
// Endpoints are deactivated rather than deleted so event history keeps a
// valid reference.
type Endpoint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Direction string    `json:"direction"`
	URL       string    `json:"url,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EndpointStore persists webhook endpoint registrations.
type EndpointStore struct {
	db store.Querier
}

func NewEndpointStore(db store.Querier) *EndpointStore {
	return &EndpointStore{db: db}
}

// Register creates a new endpoint. Name is unique per direction.
func (s *EndpointStore) Register(ctx context.Context, ep *Endpoint) error {
	row, err := store.QueryRow(ctx, s.db,
		`INSERT INTO _webhook_endpoints (name, direction, url, subsystem, secret, active)
		 VALUES ($1, $2, $3, $4, $5, true)
		 RETURNING id, created_at, updated_at`,
		ep.Name, ep.Direction, ep.URL, ep.Subsystem, ep.Secret)
	if err != nil {
		return err
	}
	ep.ID = asString(row["id"])
	ep.Active = true
	if t, ok := row["created_at"].(time.Time); ok {
		ep.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		ep.UpdatedAt = t
	}
	return nil
}

// Deactivate marks an endpoint inactive. Inactive endpoints are never
// dispatched to and reject inbound deliveries.
func (s *EndpointStore) Deactivate(ctx context.Context, id string) error {
	n, err := store.Exec(ctx, s.db,
		`UPDATE _webhook_endpoints SET active = false, updated_at = NOW() WHERE id::text = $1`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("endpoint", id)
	}
	return nil
}

// GetByName loads an endpoint by name and direction.
func (s *EndpointStore) GetByName(ctx context.Context, name, direction string) (*Endpoint, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _webhook_endpoints WHERE name = $1 AND direction = $2`, name, direction)
	if err != nil {
		return nil, err
	}
	return parseEndpointRow(row), nil
}

// Get loads an endpoint by id.
func (s *EndpointStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	row, err := store.QueryRow(ctx, s.db,
		`SELECT * FROM _webhook_endpoints WHERE id::text = $1`, id)
	if err != nil {
		return nil, err
	}
	return parseEndpointRow(row), nil
}

// List returns all endpoints, optionally filtered by direction.
func (s *EndpointStore) List(ctx context.Context, direction string) ([]*Endpoint, error) {
	sql := `SELECT * FROM _webhook_endpoints`
	var args []any
	if direction != "" {
		sql += ` WHERE direction = $1`
		args = append(args, direction)
	}
	sql += ` ORDER BY created_at DESC`

	rows, err := store.QueryRows(ctx, s.db, sql, args...)
	if err != nil {
		return nil, err
	}
	endpoints := make([]*Endpoint, 0, len(rows))
	for _, row := range rows {
		endpoints = append(endpoints, parseEndpointRow(row))
	}
	return endpoints, nil
}

func parseEndpointRow(row map[string]any) *Endpoint {
	ep := &Endpoint{
		ID:        asString(row["id"]),
		Name:      asString(row["name"]),
		Direction: asString(row["direction"]),
		URL:       asString(row["url"]),
		Subsystem: asString(row["subsystem"]),
		Secret:    asString(row["secret"]),
	}
	if b, ok := row["active"].(bool); ok {
		ep.Active = b
	}
	if t, ok := row["created_at"].(time.Time); ok {
		ep.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		ep.UpdatedAt = t
	}
	return ep
}
