package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/dirhaam/platforms-sub000/internal/auth"
	"github.com/dirhaam/platforms-sub000/internal/events"
	"github.com/dirhaam/platforms-sub000/internal/http/middleware"
	"github.com/dirhaam/platforms-sub000/internal/webhook"
)

// EventsHandler exposes the recorded event logs
type EventsHandler struct {
	recorder *events.Recorder
	router   *webhook.Router
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(recorder *events.Recorder, router *webhook.Router) *EventsHandler {
	return &EventsHandler{recorder: recorder, router: router}
}

// List returns the newest events of the tenant, or of every tenant for system admins
func (h *EventsHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	scope := c.QueryParam("scope")
	if scope == "global" {
		if role, _ := c.Get("user_role").(string); role != auth.RoleSystemAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "System admin access required")
		}
		list, err := h.recorder.ListGlobal(ctx, limit)
		if err != nil {
			return toHTTPError(err, 0)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"data": list, "scope": "global"})
	}

	list, err := h.recorder.ListTenant(ctx, middleware.TenantID(c), limit)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list, "scope": "tenant"})
}

// FailedWebhooks lists dead-lettered webhook events of the tenant
func (h *EventsHandler) FailedWebhooks(c echo.Context) error {
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	failed, err := h.router.FailedWebhooks(c.Request().Context(), middleware.TenantID(c), limit)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": failed})
}
