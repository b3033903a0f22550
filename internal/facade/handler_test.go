package facade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/auth"
	"bridge-backend/internal/monitor"
	"bridge-backend/internal/webhook"
)

const testSecret = "unit-test-secret"

func newTestApp(t *testing.T, svc *Service) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *apperr.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		},
	})
	RegisterRoutes(app, NewHandler(svc), testSecret)
	return app
}

func bearer(t *testing.T) string {
	return bearerWith(t, []string{"admin"})
}

func bearerWith(t *testing.T, roles []string) string {
	t.Helper()
	token, err := auth.GenerateAccessToken("usr_1", "ops@example.com", roles, testSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return "Bearer " + token
}

func TestAPIRequiresToken(t *testing.T) {
	app := newTestApp(t, &Service{})

	for _, route := range []string{"/api/dashboard/summary", "/api/alerts", "/api/executions"} {
		req := httptest.NewRequest("GET", route, nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test %s: %v", route, err)
		}
		if resp.StatusCode != 401 {
			t.Errorf("%s without token = %d, want 401", route, resp.StatusCode)
		}
	}
}

func TestAPIRejectsMalformedAuthHeader(t *testing.T) {
	app := newTestApp(t, &Service{})

	req := httptest.NewRequest("GET", "/api/dashboard/summary", nil)
	req.Header.Set("Authorization", "Token abcdef")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("malformed header = %d, want 401", resp.StatusCode)
	}
}

func TestDashboardSummary(t *testing.T) {
	svc := &Service{Summary: monitor.NewSummaryCache(nil, time.Minute)}
	app := newTestApp(t, svc)

	req := httptest.NewRequest("GET", "/api/dashboard/summary", nil)
	req.Header.Set("Authorization", bearer(t))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Data monitor.Summary `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.TotalExecutions != 0 || body.Data.SuccessRate != 0 {
		t.Fatalf("empty cache summary = %+v, want zero counts", body.Data)
	}
}

func TestDeactivateEndpointRequiresAdmin(t *testing.T) {
	app := newTestApp(t, &Service{})

	req := httptest.NewRequest("DELETE", "/api/endpoints/ep_1", nil)
	req.Header.Set("Authorization", bearerWith(t, []string{"operator"}))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("non-admin deactivate = %d, want 403", resp.StatusCode)
	}
}

func TestEventRouterIgnoresUnroutableCategory(t *testing.T) {
	router := NewEventRouter(nil, nil)

	evt := &webhook.Event{ID: webhook.NewEventID(), Category: "heartbeat", Payload: map[string]any{}}
	if err := router.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("unroutable category must be ignored, got %v", err)
	}
}
