package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
)

// EndpointSource resolves registered endpoints for the receiver.
type EndpointSource interface {
	GetByName(ctx context.Context, name, direction string) (*Endpoint, error)
}

// EventAppender appends event records for the receiver.
type EventAppender interface {
	Append(ctx context.Context, evt *Event) error
}

// Enqueuer hands durably recorded events to background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID string) error
}

// Receiver accepts inbound webhook deliveries. The acknowledgement contract
// is "durably recorded", not "fully processed": the handler verifies,
// validates, appends and enqueues, then returns immediately.
type Receiver struct {
	endpoints EndpointSource
	events    EventAppender
	queue     Enqueuer
	schemas   *SchemaRegistry
	clock     func() time.Time
}

func NewReceiver(endpoints EndpointSource, events EventAppender, queue Enqueuer, schemas *SchemaRegistry) *Receiver {
	return &Receiver{
		endpoints: endpoints,
		events:    events,
		queue:     queue,
		schemas:   schemas,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes POST /webhooks/:endpoint. Every call against a known
// endpoint writes exactly one event row; rejections are recorded with
// status `rejected`, never silently dropped.
func (r *Receiver) Handle(c *fiber.Ctx) error {
	ctx := c.UserContext()
	name := c.Params("endpoint")

	ep, err := r.endpoints.GetByName(ctx, name, DirectionInbound)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("endpoint", name)
		}
		return err
	}
	if !ep.Active {
		return apperr.NotFound("endpoint", name)
	}

	body := c.Body()
	signature := c.Get(SignatureHeader)

	if !VerifySignature(ep.Secret, signature, body) {
		r.recordRejection(ctx, ep, body, signature, "signature mismatch or missing header")
		return apperr.AuthenticationFailed("Invalid webhook signature")
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		r.recordRejection(ctx, ep, body, signature, "malformed JSON body")
		return apperr.ValidationFailed([]apperr.ErrorDetail{
			{Rule: "json", Message: "request body is not valid JSON"},
		})
	}

	category, err := r.schemas.Validate(payload)
	if err != nil {
		r.recordRejection(ctx, ep, body, signature, "schema validation failed")
		return err
	}

	evt := &Event{
		ID:            NewEventID(),
		Direction:     DirectionInbound,
		EndpointID:    ep.ID,
		Category:      category,
		Payload:       payload,
		Signature:     signature,
		Status:        StatusReceived,
		CorrelationID: asString(payload["execution_id"]),
		DeliveryID:    asString(payload["delivery_id"]),
		FirstSeenAt:   r.clock(),
	}
	if err := r.events.Append(ctx, evt); err != nil {
		return err
	}

	// Overflow is surfaced through alerting; intake continues regardless.
	if err := r.queue.Enqueue(ctx, evt.ID); err != nil {
		log.Printf("ERROR: enqueue event %s: %v", evt.ID, err)
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"data": fiber.Map{"event_id": evt.ID, "status": evt.Status},
	})
}

func (r *Receiver) recordRejection(ctx context.Context, ep *Endpoint, body []byte, signature, reason string) {
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)
	if payload == nil {
		payload = map[string]any{"raw": string(body)}
	}

	evt := &Event{
		ID:          NewEventID(),
		Direction:   DirectionInbound,
		EndpointID:  ep.ID,
		Payload:     payload,
		Signature:   signature,
		Status:      StatusRejected,
		Error:       reason,
		FirstSeenAt: r.clock(),
	}
	if err := r.events.Append(ctx, evt); err != nil {
		log.Printf("ERROR: record rejected event for endpoint %s: %v", ep.Name, err)
	}
}

// RegisterReceiverRoutes mounts the inbound webhook endpoint. It is
// authenticated by signature only; the operator JWT middleware never
// applies here.
func RegisterReceiverRoutes(app *fiber.App, r *Receiver) {
	app.Post("/webhooks/:endpoint", r.Handle)
}
