package facade

import (
	"context"
	"errors"
	"fmt"
	"log"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/execution"
	"bridge-backend/internal/monitor"
	"bridge-backend/internal/store"
	"bridge-backend/internal/syncengine"
	"bridge-backend/internal/webhook"
)

// Service is the single API surface other subsystems use. All
// dependencies are injected; there is no package-level state.
type Service struct {
	Endpoints  *webhook.EndpointStore
	Events     *webhook.EventStore
	Queue      *webhook.Queue
	Dispatcher *webhook.Dispatcher
	Executions execution.ExecutionStore
	Tracker    *execution.Tracker
	Triggers   *execution.TriggerService
	TriggerCfg *execution.TriggerStore
	Sync       *syncengine.Engine
	SyncCfgs   *syncengine.ConfigStore
	Conflicts  *syncengine.ConflictStore
	Collector  *monitor.Collector
	Logs       *monitor.LogStore
	Errors     *monitor.ErrorStore
	Alerts     *monitor.AlertStore
	Samples    *monitor.SampleStore
	Summary    *monitor.SummaryCache
}

// EventRouter fans stored events out to the component owning their
// category. It is the Processor the queue workers run.
type EventRouter struct {
	tracker *execution.Tracker
	sync    *syncengine.Engine
}

func NewEventRouter(tracker *execution.Tracker, sync *syncengine.Engine) *EventRouter {
	return &EventRouter{tracker: tracker, sync: sync}
}

func (r *EventRouter) ProcessEvent(ctx context.Context, evt *webhook.Event) error {
	switch evt.Category {
	case webhook.CategoryExecutionStatus:
		return r.tracker.ProcessEvent(ctx, evt)
	case webhook.CategorySyncEvent:
		return r.sync.ProcessEvent(ctx, evt)
	default:
		log.Printf("WARN: event %s has unroutable category %q, ignored", evt.ID, evt.Category)
		return nil
	}
}

// ReplayEvent re-enqueues a stored inbound event for processing. The
// event store is the replay source; the payload is reprocessed as-is.
func (s *Service) ReplayEvent(ctx context.Context, eventID string) (*webhook.Event, error) {
	evt, err := s.Events.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("event", eventID)
		}
		return nil, err
	}
	if evt.Direction != webhook.DirectionInbound {
		return nil, apperr.New("EVENT_NOT_REPLAYABLE", 409,
			fmt.Sprintf("event %s is outbound; only inbound events replay", eventID))
	}
	if evt.Status == webhook.StatusRejected {
		return nil, apperr.New("EVENT_NOT_REPLAYABLE", 409,
			fmt.Sprintf("event %s was rejected at intake", eventID))
	}
	if err := s.Queue.Enqueue(ctx, evt.ID); err != nil {
		return nil, err
	}
	return evt, nil
}
