package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/webhook"
)

// WebhookHandler receives bridge webhooks
type WebhookHandler struct {
	router       *webhook.Router
	maxBodyBytes int64
}

// NewWebhookHandler creates a webhook handler reading at most maxBodyBytes per call
func NewWebhookHandler(router *webhook.Router, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandler{router: router, maxBodyBytes: maxBodyBytes}
}

// Receive verifies and routes one webhook call. Anything but a rejected
// signature or an unknown endpoint is acknowledged so the bridge does not retry.
func (h *WebhookHandler) Receive(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	endpointID := c.Param("endpoint_id")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "failed to read body",
		})
	}
	if int64(len(body)) > h.maxBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]interface{}{
			"success": false,
			"error":   "payload too large",
		})
	}

	signature := c.Request().Header.Get("X-Signature")
	if signature == "" {
		signature = c.Request().Header.Get("X-Hub-Signature-256")
	}

	kind, err := h.router.Handle(c.Request().Context(), tenantID, endpointID, body, signature)
	switch {
	case errors.Is(err, webhook.ErrUnknownEndpoint):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "unknown endpoint",
		})
	case err != nil:
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   "invalid signature",
		})
	}

	log.Debug().Str("tenant_id", tenantID).Str("endpoint_id", endpointID).Str("event_type", string(kind)).Msg("Webhook accepted")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"event":   kind,
	})
}
