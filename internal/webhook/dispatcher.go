package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	neturl "net/url"
	"time"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/config"
)

// AlertSink receives alerts raised by delivery machinery. Implemented by
// the monitoring collector.
type AlertSink interface {
	Raise(ctx context.Context, alertType, severity, title, description, workflowID, executionID string)
}

// DeliveryStore is the slice of the event store the dispatcher needs.
type DeliveryStore interface {
	Append(ctx context.Context, evt *Event) error
	UpdateDelivery(ctx context.Context, evt *Event) error
	FindDueRetries(ctx context.Context, limit int) ([]*DueDelivery, error)
}

// Dispatcher sends signed outbound events to registered endpoints.
// Each delivery carries a unique delivery identifier; consumers are
// expected to deduplicate on it since retries may duplicate delivery.
type Dispatcher struct {
	events DeliveryStore
	alerts AlertSink
	client *http.Client
	cfg    config.DispatcherConfig
	clock  func() time.Time
}

func NewDispatcher(events DeliveryStore, alerts AlertSink, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		events: events,
		alerts: alerts,
		client: &http.Client{Timeout: cfg.AttemptTimeout()},
		cfg:    cfg,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch signs the payload, appends a pending event and performs the
// first delivery attempt. Failed attempts are left in retrying state for
// the retry scheduler.
func (d *Dispatcher) Dispatch(ctx context.Context, ep *Endpoint, category string, payload map[string]any, correlationID string) (*Event, error) {
	if !ep.Active {
		return nil, fmt.Errorf("endpoint %s is inactive", ep.Name)
	}

	// The caller's map stays untouched: a retried Dispatch call must mint
	// a fresh delivery id, not reuse one stamped into its argument.
	deliveryID := NewDeliveryID()
	outbound := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		outbound[k] = v
	}
	outbound["delivery_id"] = deliveryID
	if _, ok := outbound["timestamp"]; !ok {
		outbound["timestamp"] = d.clock().Format(time.RFC3339)
	}

	body, err := json.Marshal(outbound)
	if err != nil {
		return nil, fmt.Errorf("marshal outbound payload: %w", err)
	}

	evt := &Event{
		ID:            NewEventID(),
		Direction:     DirectionOutbound,
		EndpointID:    ep.ID,
		Category:      category,
		Payload:       outbound,
		Signature:     Sign(ep.Secret, body),
		Status:        StatusPending,
		MaxAttempts:   d.cfg.MaxAttempts,
		CorrelationID: correlationID,
		DeliveryID:    deliveryID,
		FirstSeenAt:   d.clock(),
	}
	if err := d.events.Append(ctx, evt); err != nil {
		return nil, err
	}

	d.attempt(ctx, evt, ep.URL, ep.Secret)
	return evt, nil
}

// attempt performs one delivery and updates the event's delivery state.
func (d *Dispatcher) attempt(ctx context.Context, evt *Event, url, secret string) {
	body, _ := json.Marshal(evt.Payload)
	now := d.clock()
	evt.Attempt++
	evt.LastAttemptAt = &now

	status, respBody, errMsg := d.send(ctx, url, secret, body)
	evt.ResponseStatus = status
	evt.ResponseBody = respBody
	evt.Error = errMsg

	if errMsg == "" && status >= 200 && status < 300 {
		evt.Status = StatusDelivered
		evt.NextRetryAt = nil
	} else {
		if errMsg == "" {
			evt.Error = fmt.Sprintf("HTTP %d", status)
		}
		if evt.Attempt >= evt.MaxAttempts {
			evt.Status = StatusFailed
			evt.NextRetryAt = nil
			d.raiseDeliveryAlert(ctx, evt, url)
		} else {
			evt.Status = StatusRetrying
			next := now.Add(Backoff(d.cfg.BaseBackoff(), d.cfg.MaxBackoff(), evt.Attempt))
			evt.NextRetryAt = &next
		}
	}

	if err := d.events.UpdateDelivery(ctx, evt); err != nil {
		log.Printf("ERROR: persist delivery state for %s: %v", evt.ID, err)
	}
}

func (d *Dispatcher) send(ctx context.Context, url, secret string, body []byte) (int, string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		// Classify the transport failure so the stored delivery error
		// carries the taxonomy code.
		appErr := apperr.NetworkError(fmt.Sprintf("http call: %v", err))
		var ue *neturl.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ue) && ue.Timeout()) {
			appErr = apperr.Timeout("delivery attempt timed out")
		}
		return 0, "", appErr.Code + ": " + appErr.Message
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // max 64KB
	return resp.StatusCode, string(respBody), ""
}

func (d *Dispatcher) raiseDeliveryAlert(ctx context.Context, evt *Event, url string) {
	workflowID := asString(evt.Payload["workflow_id"])
	d.alerts.Raise(ctx, "dependency", "warning",
		"Webhook delivery failed",
		fmt.Sprintf("delivery %s to %s exhausted %d attempts: %s", evt.DeliveryID, url, evt.Attempt, evt.Error),
		workflowID, evt.CorrelationID)
}

// ProcessRetries re-attempts all due deliveries. Called by the retry
// scheduler and directly from tests.
func (d *Dispatcher) ProcessRetries(ctx context.Context) {
	due, err := d.events.FindDueRetries(ctx, 50)
	if err != nil {
		log.Printf("ERROR: dispatcher retry query failed: %v", err)
		return
	}
	for _, item := range due {
		d.attempt(ctx, item.Event, item.URL, item.Secret)
	}
}

// Backoff returns the delay before the next attempt: base doubling per
// attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// RetryScheduler drives the dispatcher's retry loop on a background ticker.
type RetryScheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
	ticker     *time.Ticker
	done       chan struct{}
}

func NewRetryScheduler(d *Dispatcher, interval time.Duration) *RetryScheduler {
	return &RetryScheduler{dispatcher: d, interval: interval}
}

func (rs *RetryScheduler) Start() {
	rs.ticker = time.NewTicker(rs.interval)
	rs.done = make(chan struct{})
	go rs.run()
	log.Printf("Webhook retry scheduler started (%s interval)", rs.interval)
}

func (rs *RetryScheduler) Stop() {
	if rs.ticker != nil {
		rs.ticker.Stop()
	}
	if rs.done != nil {
		close(rs.done)
	}
}

func (rs *RetryScheduler) run() {
	for {
		select {
		case <-rs.done:
			return
		case <-rs.ticker.C:
			rs.dispatcher.ProcessRetries(context.Background())
		}
	}
}
