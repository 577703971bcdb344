package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/dirhaam/platforms-sub000/internal/http/middleware"
	"github.com/dirhaam/platforms-sub000/internal/services"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// HealthHistoryReader lists persisted probe results
type HealthHistoryReader interface {
	ListRecent(ctx context.Context, tenantID, endpointID string, limit int) ([]models.HealthCheckRecord, error)
}

// WhatsAppConfigHandler manages tenant endpoint configuration and health
type WhatsAppConfigHandler struct {
	registry *services.EndpointRegistry
	monitor  *services.HealthMonitor
	history  HealthHistoryReader
}

// NewWhatsAppConfigHandler creates the handler; history may be nil
func NewWhatsAppConfigHandler(registry *services.EndpointRegistry, monitor *services.HealthMonitor, history HealthHistoryReader) *WhatsAppConfigHandler {
	return &WhatsAppConfigHandler{
		registry: registry,
		monitor:  monitor,
		history:  history,
	}
}

// GetConfig returns the tenant configuration with secrets redacted
func (h *WhatsAppConfigHandler) GetConfig(c echo.Context) error {
	cfg, err := h.registry.GetConfiguration(c.Request().Context(), middleware.TenantID(c))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, redactConfig(cfg))
}

// Initialize creates the tenant configuration with default policy
func (h *WhatsAppConfigHandler) Initialize(c echo.Context) error {
	cfg, err := h.registry.InitializeTenant(c.Request().Context(), middleware.TenantID(c))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, redactConfig(cfg))
}

// UpdateConfig updates the tenant policy fields
func (h *WhatsAppConfigHandler) UpdateConfig(c echo.Context) error {
	var req models.PolicyUpdate
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	cfg, err := h.registry.UpdatePolicy(c.Request().Context(), middleware.TenantID(c), req)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, redactConfig(cfg))
}

// ListEndpoints returns the tenant's endpoints
func (h *WhatsAppConfigHandler) ListEndpoints(c echo.Context) error {
	cfg, err := h.registry.GetConfiguration(c.Request().Context(), middleware.TenantID(c))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": redactConfig(cfg).Endpoints,
	})
}

// AddEndpoint registers a new bridge endpoint
func (h *WhatsAppConfigHandler) AddEndpoint(c echo.Context) error {
	var req models.EndpointSpec
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	tenantID := middleware.TenantID(c)
	ep, err := h.registry.AddEndpoint(c.Request().Context(), tenantID, req)
	if err != nil {
		return toHTTPError(err, 0)
	}

	middleware.Logger(c).Info().Str("endpoint_id", ep.ID).Msg("Endpoint added via API")
	return c.JSON(http.StatusCreated, ep.Redacted())
}

// UpdateEndpoint applies a partial endpoint update
func (h *WhatsAppConfigHandler) UpdateEndpoint(c echo.Context) error {
	var req models.EndpointUpdate
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ep, err := h.registry.UpdateEndpoint(c.Request().Context(), middleware.TenantID(c), c.Param("id"), req)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, ep.Redacted())
}

// RemoveEndpoint deletes an endpoint and stops its probes
func (h *WhatsAppConfigHandler) RemoveEndpoint(c echo.Context) error {
	if err := h.registry.RemoveEndpoint(c.Request().Context(), middleware.TenantID(c), c.Param("id")); err != nil {
		return toHTTPError(err, 0)
	}
	return c.NoContent(http.StatusNoContent)
}

// CheckEndpoint runs an on-demand probe
func (h *WhatsAppConfigHandler) CheckEndpoint(c echo.Context) error {
	result, err := h.monitor.CheckEndpoint(c.Request().Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, result)
}

// CheckTenant probes every active endpoint of the caller's tenant
func (h *WhatsAppConfigHandler) CheckTenant(c echo.Context) error {
	tenantID := middleware.TenantID(c)
	results, err := h.monitor.CheckTenant(c.Request().Context(), tenantID)
	if err != nil {
		return toHTTPError(err, 0)
	}
	if results == nil {
		results = []models.HealthCheckResult{}
	}

	healthy := 0
	for _, r := range results {
		if r.Status == models.HealthStatusHealthy {
			healthy++
		}
	}
	middleware.Logger(c).Info().Int("endpoints", len(results)).Int("healthy", healthy).Msg("Tenant health check completed")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    results,
		"total":   len(results),
		"healthy": healthy,
	})
}

// EndpointHealth returns the latest probe result and, when persisted, recent history
func (h *WhatsAppConfigHandler) EndpointHealth(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.TenantID(c)
	endpointID := c.Param("id")

	if _, err := h.registry.GetEndpoint(ctx, tenantID, endpointID); err != nil {
		return toHTTPError(err, 0)
	}

	latest, err := h.monitor.GetLatestResult(ctx, tenantID, endpointID)
	if err != nil {
		return toHTTPError(err, 0)
	}

	response := map[string]interface{}{
		"endpoint_id": endpointID,
		"latest":      latest,
	}
	if h.history != nil {
		limit := cast.ToInt(c.QueryParam("limit"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		records, err := h.history.ListRecent(ctx, tenantID, endpointID, limit)
		if err != nil {
			middleware.Logger(c).Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to load health history")
		} else {
			response["history"] = records
		}
	}
	return c.JSON(http.StatusOK, response)
}

// MonitoringStatus reports the scheduled probes visible to the caller
func (h *WhatsAppConfigHandler) MonitoringStatus(c echo.Context) error {
	status := h.monitor.GetMonitoringStatus()

	tenantID := middleware.TenantID(c)
	if entries, ok := status["endpoints"].([]map[string]interface{}); ok && tenantID != "" {
		visible := make([]map[string]interface{}, 0, len(entries))
		for _, entry := range entries {
			if entry["tenant_id"] == tenantID {
				visible = append(visible, entry)
			}
		}
		status["endpoints"] = visible
		status["monitored_endpoints"] = len(visible)
	}
	return c.JSON(http.StatusOK, status)
}

func redactConfig(cfg *models.TenantConfiguration) models.TenantConfiguration {
	out := *cfg
	out.Endpoints = make([]models.Endpoint, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		out.Endpoints[i] = ep.Redacted()
	}
	return out
}
