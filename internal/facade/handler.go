package facade

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/auth"
	"bridge-backend/internal/execution"
	"bridge-backend/internal/monitor"
	"bridge-backend/internal/store"
	"bridge-backend/internal/syncengine"
	"bridge-backend/internal/webhook"
)

// Handler exposes the facade's REST surface.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the operator API under /api. Everything here
// sits behind the JWT middleware; the inbound webhook route does not.
func RegisterRoutes(app *fiber.App, h *Handler, jwtSecret string) {
	api := app.Group("/api", auth.Middleware(jwtSecret))

	api.Post("/endpoints", h.RegisterEndpoint)
	api.Get("/endpoints", h.ListEndpoints)
	api.Delete("/endpoints/:id", h.DeactivateEndpoint)

	api.Post("/triggers", h.CreateTrigger)
	api.Get("/triggers", h.ListTriggers)
	api.Post("/triggers/:id/fire", h.FireTrigger)

	api.Get("/executions", h.ListExecutions)
	api.Get("/executions/:id", h.GetExecution)
	api.Post("/executions/:id/cancel", h.CancelExecution)

	api.Get("/events", h.ListEvents)
	api.Post("/events/:id/replay", h.ReplayEvent)

	api.Post("/logs", h.IngestLog)
	api.Get("/logs", h.ListLogs)
	api.Post("/performance", h.IngestPerformance)

	api.Get("/errors", h.ListErrors)
	api.Post("/errors/:id/resolve", h.ResolveError)

	api.Get("/alerts", h.ListAlerts)
	api.Post("/alerts/:id/ack", h.AcknowledgeAlert)
	api.Post("/alerts/:id/resolve", h.ResolveAlert)

	api.Post("/sync/configurations", h.CreateSyncConfig)
	api.Put("/sync/configurations/:id", h.UpdateSyncConfig)
	api.Get("/sync/configurations", h.ListSyncConfigs)
	api.Post("/sync/trigger", h.TriggerSync)
	api.Get("/sync/conflicts", h.ListConflicts)
	api.Post("/sync/conflicts/:id/resolve", h.ResolveConflict)

	api.Get("/dashboard/summary", h.DashboardSummary)
}

func data(c *fiber.Ctx, v any) error {
	return c.JSON(fiber.Map{"data": v})
}

// RegisterEndpoint handles POST /api/endpoints.
func (h *Handler) RegisterEndpoint(c *fiber.Ctx) error {
	var body struct {
		Name      string `json:"name"`
		Direction string `json:"direction"`
		URL       string `json:"url"`
		Subsystem string `json:"subsystem"`
		Secret    string `json:"secret"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}

	var details []apperr.ErrorDetail
	if body.Name == "" {
		details = append(details, apperr.ErrorDetail{Field: "name", Rule: "required", Message: "name is required"})
	}
	if body.Direction != webhook.DirectionInbound && body.Direction != webhook.DirectionOutbound {
		details = append(details, apperr.ErrorDetail{Field: "direction", Rule: "oneof", Message: "direction must be inbound or outbound"})
	}
	if body.Secret == "" {
		details = append(details, apperr.ErrorDetail{Field: "secret", Rule: "required", Message: "secret is required"})
	}
	if body.Direction == webhook.DirectionOutbound && body.URL == "" {
		details = append(details, apperr.ErrorDetail{Field: "url", Rule: "required", Message: "url is required for outbound endpoints"})
	}
	if details != nil {
		return apperr.ValidationFailed(details)
	}

	ep := &webhook.Endpoint{
		Name:      body.Name,
		Direction: body.Direction,
		URL:       body.URL,
		Subsystem: body.Subsystem,
		Secret:    body.Secret,
	}
	if err := h.svc.Endpoints.Register(c.UserContext(), ep); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": ep})
}

// ListEndpoints handles GET /api/endpoints.
func (h *Handler) ListEndpoints(c *fiber.Ctx) error {
	eps, err := h.svc.Endpoints.List(c.UserContext(), c.Query("direction"))
	if err != nil {
		return err
	}
	return data(c, eps)
}

// DeactivateEndpoint handles DELETE /api/endpoints/:id.
func (h *Handler) DeactivateEndpoint(c *fiber.Ctx) error {
	// Deactivation kills a live integration; only admins may do it.
	if op := auth.GetOperator(c); op == nil || !op.IsAdmin() {
		return apperr.New("FORBIDDEN", 403, "admin role required to deactivate endpoints")
	}
	id := c.Params("id")
	if err := h.svc.Endpoints.Deactivate(c.UserContext(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("endpoint", id)
		}
		return err
	}
	return data(c, fiber.Map{"id": id, "active": false})
}

// CreateTrigger handles POST /api/triggers.
func (h *Handler) CreateTrigger(c *fiber.Ctx) error {
	var body struct {
		Name            string         `json:"name"`
		WorkflowID      string         `json:"workflow_id"`
		WorkflowType    string         `json:"workflow_type"`
		TriggerType     string         `json:"trigger_type"`
		EndpointName    string         `json:"endpoint_name"`
		PayloadTemplate map[string]any `json:"payload_template"`
		Condition       string         `json:"condition"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}

	var details []apperr.ErrorDetail
	if body.Name == "" {
		details = append(details, apperr.ErrorDetail{Field: "name", Rule: "required", Message: "name is required"})
	}
	if body.WorkflowID == "" {
		details = append(details, apperr.ErrorDetail{Field: "workflow_id", Rule: "required", Message: "workflow_id is required"})
	}
	switch body.TriggerType {
	case "manual", "schedule", "data_event":
	default:
		details = append(details, apperr.ErrorDetail{Field: "trigger_type", Rule: "oneof", Message: "trigger_type must be manual, schedule or data_event"})
	}
	if body.EndpointName == "" {
		details = append(details, apperr.ErrorDetail{Field: "endpoint_name", Rule: "required", Message: "endpoint_name is required"})
	}
	if details != nil {
		return apperr.ValidationFailed(details)
	}

	tr := &execution.Trigger{
		Name:            body.Name,
		WorkflowID:      body.WorkflowID,
		WorkflowType:    body.WorkflowType,
		TriggerType:     body.TriggerType,
		EndpointName:    body.EndpointName,
		PayloadTemplate: body.PayloadTemplate,
		Condition:       body.Condition,
		Enabled:         true,
	}
	if err := h.svc.TriggerCfg.Create(c.UserContext(), tr); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": tr})
}

// ListTriggers handles GET /api/triggers.
func (h *Handler) ListTriggers(c *fiber.Ctx) error {
	triggers, err := h.svc.TriggerCfg.List(c.UserContext())
	if err != nil {
		return err
	}
	return data(c, triggers)
}

// FireTrigger handles POST /api/triggers/:id/fire.
func (h *Handler) FireTrigger(c *fiber.Ctx) error {
	var body struct {
		Payload map[string]any `json:"payload"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
		}
	}

	exec, err := h.svc.Triggers.Fire(c.UserContext(), c.Params("id"), body.Payload)
	if err != nil {
		return err
	}
	if exec == nil {
		return data(c, fiber.Map{"fired": false})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": fiber.Map{"fired": true, "execution": exec}})
}

// GetExecution handles GET /api/executions/:id.
func (h *Handler) GetExecution(c *fiber.Ctx) error {
	id := c.Params("id")
	exec, err := h.svc.Executions.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("execution", id)
		}
		return err
	}
	return data(c, exec)
}

// ListExecutions handles GET /api/executions.
func (h *Handler) ListExecutions(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	execs, err := h.svc.Executions.ListRecent(c.UserContext(), c.Query("workflow_id"), limit)
	if err != nil {
		return err
	}
	return data(c, execs)
}

// CancelExecution handles POST /api/executions/:id/cancel.
func (h *Handler) CancelExecution(c *fiber.Ctx) error {
	exec, err := h.svc.Tracker.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return data(c, exec)
}

// ListEvents handles GET /api/events.
func (h *Handler) ListEvents(c *fiber.Ctx) error {
	f := webhook.EventFilter{
		Direction:     c.Query("direction"),
		Status:        c.Query("status"),
		EndpointID:    c.Query("endpoint_id"),
		CorrelationID: c.Query("correlation_id"),
	}
	f.From, f.To = timeRange(c)
	f.Limit, _ = strconv.Atoi(c.Query("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.Query("offset", "0"))

	events, err := h.svc.Events.List(c.UserContext(), f)
	if err != nil {
		return err
	}
	return data(c, events)
}

// ReplayEvent handles POST /api/events/:id/replay.
func (h *Handler) ReplayEvent(c *fiber.Ctx) error {
	evt, err := h.svc.ReplayEvent(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{"event_id": evt.ID, "status": "queued"}})
}

// IngestLog handles POST /api/logs.
func (h *Handler) IngestLog(c *fiber.Ctx) error {
	var entry monitor.LogEntry
	if err := c.BodyParser(&entry); err != nil {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}
	if entry.Message == "" {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Field: "message", Rule: "required", Message: "message is required"}})
	}
	h.svc.Collector.RecordLog(entry)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{"status": "buffered"}})
}

// ListLogs handles GET /api/logs.
func (h *Handler) ListLogs(c *fiber.Ctx) error {
	f := monitor.LogFilter{
		WorkflowID:  c.Query("workflow_id"),
		ExecutionID: c.Query("execution_id"),
		Level:       c.Query("level"),
	}
	f.From, f.To = timeRange(c)
	f.Limit, _ = strconv.Atoi(c.Query("limit", "100"))

	entries, err := h.svc.Logs.List(c.UserContext(), f)
	if err != nil {
		return err
	}
	return data(c, entries)
}

// IngestPerformance handles POST /api/performance.
func (h *Handler) IngestPerformance(c *fiber.Ctx) error {
	var sample monitor.PerformanceSample
	if err := c.BodyParser(&sample); err != nil {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}
	if sample.ExecutionID == "" {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Field: "execution_id", Rule: "required", Message: "execution_id is required"}})
	}
	if err := h.svc.Collector.RecordPerformance(c.UserContext(), &sample); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": sample})
}

// ListErrors handles GET /api/errors.
func (h *Handler) ListErrors(c *fiber.Ctx) error {
	f := monitor.ErrorFilter{
		WorkflowID:  c.Query("workflow_id"),
		ExecutionID: c.Query("execution_id"),
		Category:    c.Query("category"),
		Severity:    c.Query("severity"),
		Resolved:    boolQuery(c, "resolved"),
	}
	f.From, f.To = timeRange(c)
	f.Limit, _ = strconv.Atoi(c.Query("limit", "50"))

	errs, err := h.svc.Errors.List(c.UserContext(), f)
	if err != nil {
		return err
	}
	return data(c, errs)
}

// ResolveError handles POST /api/errors/:id/resolve.
func (h *Handler) ResolveError(c *fiber.Ctx) error {
	var body struct {
		Notes string `json:"notes"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
		}
	}

	id := c.Params("id")
	e, err := h.svc.Errors.Resolve(c.UserContext(), id, body.Notes, operatorID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("error", id)
		}
		return err
	}
	return data(c, e)
}

// ListAlerts handles GET /api/alerts.
func (h *Handler) ListAlerts(c *fiber.Ctx) error {
	f := monitor.AlertFilter{
		WorkflowID: c.Query("workflow_id"),
		Severity:   c.Query("severity"),
		Type:       c.Query("type"),
		Resolved:   boolQuery(c, "resolved"),
	}
	f.From, f.To = timeRange(c)
	f.Limit, _ = strconv.Atoi(c.Query("limit", "50"))

	alerts, err := h.svc.Alerts.List(c.UserContext(), f)
	if err != nil {
		return err
	}
	return data(c, alerts)
}

// AcknowledgeAlert handles POST /api/alerts/:id/ack.
func (h *Handler) AcknowledgeAlert(c *fiber.Ctx) error {
	id := c.Params("id")
	a, err := h.svc.Alerts.Acknowledge(c.UserContext(), id, operatorID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("alert", id)
		}
		return err
	}
	return data(c, a)
}

// ResolveAlert handles POST /api/alerts/:id/resolve.
func (h *Handler) ResolveAlert(c *fiber.Ctx) error {
	id := c.Params("id")
	a, err := h.svc.Alerts.Resolve(c.UserContext(), id, operatorID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("alert", id)
		}
		return err
	}
	return data(c, a)
}

// CreateSyncConfig handles POST /api/sync/configurations.
func (h *Handler) CreateSyncConfig(c *fiber.Ctx) error {
	cfg, err := parseSyncConfigBody(c)
	if err != nil {
		return err
	}
	if err := h.svc.SyncCfgs.Create(c.UserContext(), cfg); err != nil {
		return syncConfigError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": cfg})
}

// UpdateSyncConfig handles PUT /api/sync/configurations/:id.
func (h *Handler) UpdateSyncConfig(c *fiber.Ctx) error {
	cfg, err := parseSyncConfigBody(c)
	if err != nil {
		return err
	}
	cfg.ID = c.Params("id")
	if err := h.svc.SyncCfgs.Update(c.UserContext(), cfg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("sync configuration", cfg.ID)
		}
		return syncConfigError(err)
	}
	return data(c, cfg)
}

// ListSyncConfigs handles GET /api/sync/configurations.
func (h *Handler) ListSyncConfigs(c *fiber.Ctx) error {
	cfgs, err := h.svc.SyncCfgs.ListEnabled(c.UserContext())
	if err != nil {
		return err
	}
	return data(c, cfgs)
}

// TriggerSync handles POST /api/sync/trigger.
func (h *Handler) TriggerSync(c *fiber.Ctx) error {
	var body struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}
	if body.EntityType == "" || body.EntityID == "" {
		return apperr.ValidationFailed([]apperr.ErrorDetail{
			{Field: "entity_type", Rule: "required", Message: "entity_type and entity_id are required"},
		})
	}
	if err := h.svc.Sync.TriggerManualSync(c.UserContext(), body.EntityType, body.EntityID); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{"status": "queued"}})
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *Handler) ListConflicts(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	conflicts, err := h.svc.Conflicts.List(c.UserContext(), c.Query("status"), limit)
	if err != nil {
		return err
	}
	return data(c, conflicts)
}

// ResolveConflict handles POST /api/sync/conflicts/:id/resolve.
func (h *Handler) ResolveConflict(c *fiber.Ctx) error {
	var body struct {
		ChosenSide string         `json:"chosen_side"`
		Value      map[string]any `json:"value"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}

	conflict, err := h.svc.Sync.ResolveConflict(c.UserContext(), c.Params("id"), body.ChosenSide, body.Value, operatorID(c))
	if err != nil {
		return err
	}
	return data(c, conflict)
}

// DashboardSummary handles GET /api/dashboard/summary.
func (h *Handler) DashboardSummary(c *fiber.Ctx) error {
	return data(c, h.svc.Summary.Get())
}

func parseSyncConfigBody(c *fiber.Ctx) (*syncengine.Configuration, error) {
	var body struct {
		EntityType string            `json:"entity_type"`
		Direction  string            `json:"direction"`
		Mapping    map[string]string `json:"mapping"`
		Strategy   string            `json:"strategy"`
		Enabled    *bool             `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return nil, apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "json", Message: "invalid JSON body"}})
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	return &syncengine.Configuration{
		EntityType: body.EntityType,
		Direction:  body.Direction,
		Mapping:    body.Mapping,
		Strategy:   body.Strategy,
		Enabled:    enabled,
	}, nil
}

func syncConfigError(err error) error {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.ValidationFailed([]apperr.ErrorDetail{{Rule: "config", Message: err.Error()}})
}

func operatorID(c *fiber.Ctx) string {
	if op := auth.GetOperator(c); op != nil {
		return op.ID
	}
	return "unknown"
}

func boolQuery(c *fiber.Ctx, name string) *bool {
	switch c.Query(name) {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}

func timeRange(c *fiber.Ctx) (*time.Time, *time.Time) {
	var from, to *time.Time
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = &t
		}
	}
	return from, to
}
