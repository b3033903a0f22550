package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
)

type fakeEndpoints struct {
	byName map[string]*Endpoint
}

func (f *fakeEndpoints) GetByName(ctx context.Context, name, direction string) (*Endpoint, error) {
	ep, ok := f.byName[name]
	if !ok || ep.Direction != direction {
		return nil, store.ErrNotFound
	}
	return ep, nil
}

type fakeAppender struct {
	events []*Event
}

func (f *fakeAppender) Append(ctx context.Context, evt *Event) error {
	f.events = append(f.events, evt)
	return nil
}

type fakeEnqueuer struct {
	ids []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, eventID string) error {
	f.ids = append(f.ids, eventID)
	return nil
}

func newReceiverApp(t *testing.T, endpoints *fakeEndpoints, events *fakeAppender, queue *fakeEnqueuer) *fiber.App {
	t.Helper()
	reg, err := NewSchemaRegistry()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *apperr.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		},
	})
	RegisterReceiverRoutes(app, NewReceiver(endpoints, events, queue, reg))
	return app
}

const validStatusBody = `{
	"event": "execution.status",
	"workflow_id": "wf_reports",
	"execution_id": "exec_1",
	"status": "running",
	"sequence": 1,
	"timestamp": "2026-08-28T12:00:00Z"
}`

func TestReceiverAcceptsSignedEvent(t *testing.T) {
	ep := &Endpoint{ID: "ep_1", Name: "engine", Direction: DirectionInbound, Secret: "s3cret", Active: true}
	endpoints := &fakeEndpoints{byName: map[string]*Endpoint{"engine": ep}}
	events := &fakeAppender{}
	queue := &fakeEnqueuer{}
	app := newReceiverApp(t, endpoints, events, queue)

	body := []byte(validStatusBody)
	req := httptest.NewRequest("POST", "/webhooks/engine", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign("s3cret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected one appended event, got %d", len(events.events))
	}
	evt := events.events[0]
	if evt.Status != StatusReceived {
		t.Fatalf("event status = %q, want %q", evt.Status, StatusReceived)
	}
	if evt.Category != CategoryExecutionStatus {
		t.Fatalf("category = %q, want %q", evt.Category, CategoryExecutionStatus)
	}
	if evt.CorrelationID != "exec_1" {
		t.Fatalf("correlation id = %q, want exec_1", evt.CorrelationID)
	}
	if len(queue.ids) != 1 || queue.ids[0] != evt.ID {
		t.Fatalf("expected event %s enqueued, got %v", evt.ID, queue.ids)
	}
}

func TestReceiverRejectsBadSignature(t *testing.T) {
	ep := &Endpoint{ID: "ep_1", Name: "engine", Direction: DirectionInbound, Secret: "s3cret", Active: true}
	endpoints := &fakeEndpoints{byName: map[string]*Endpoint{"engine": ep}}
	events := &fakeAppender{}
	queue := &fakeEnqueuer{}
	app := newReceiverApp(t, endpoints, events, queue)

	body := []byte(validStatusBody)
	req := httptest.NewRequest("POST", "/webhooks/engine", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign("wrong-secret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// Rejections are recorded, never silently dropped.
	if len(events.events) != 1 || events.events[0].Status != StatusRejected {
		t.Fatalf("expected one rejected event, got %+v", events.events)
	}
	if len(queue.ids) != 0 {
		t.Fatal("rejected events must not be enqueued")
	}
}

func TestReceiverRejectsMalformedBody(t *testing.T) {
	ep := &Endpoint{ID: "ep_1", Name: "engine", Direction: DirectionInbound, Secret: "s3cret", Active: true}
	endpoints := &fakeEndpoints{byName: map[string]*Endpoint{"engine": ep}}
	events := &fakeAppender{}
	app := newReceiverApp(t, endpoints, events, &fakeEnqueuer{})

	body := []byte(`{"event": "execution.status"`)
	req := httptest.NewRequest("POST", "/webhooks/engine", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign("s3cret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(events.events) != 1 || events.events[0].Status != StatusRejected {
		t.Fatal("expected malformed body recorded as rejected event")
	}
}

func TestReceiverRejectsSchemaViolation(t *testing.T) {
	ep := &Endpoint{ID: "ep_1", Name: "engine", Direction: DirectionInbound, Secret: "s3cret", Active: true}
	endpoints := &fakeEndpoints{byName: map[string]*Endpoint{"engine": ep}}
	events := &fakeAppender{}
	app := newReceiverApp(t, endpoints, events, &fakeEnqueuer{})

	body := []byte(`{"event": "execution.status", "status": "running"}`)
	req := httptest.NewRequest("POST", "/webhooks/engine", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign("s3cret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(events.events) != 1 || events.events[0].Status != StatusRejected {
		t.Fatal("expected schema violation recorded as rejected event")
	}
}

func TestReceiverUnknownEndpoint(t *testing.T) {
	app := newReceiverApp(t, &fakeEndpoints{byName: map[string]*Endpoint{}}, &fakeAppender{}, &fakeEnqueuer{})

	body := []byte(validStatusBody)
	req := httptest.NewRequest("POST", "/webhooks/ghost", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign("s3cret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReceiverInactiveEndpoint(t *testing.T) {
	ep := &Endpoint{ID: "ep_1", Name: "engine", Direction: DirectionInbound, Secret: "s3cret", Active: false}
	app := newReceiverApp(t, &fakeEndpoints{byName: map[string]*Endpoint{"engine": ep}}, &fakeAppender{}, &fakeEnqueuer{})

	body := []byte(validStatusBody)
	req := httptest.NewRequest("POST", "/webhooks/engine", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign("s3cret", body))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
