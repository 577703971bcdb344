package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/repo"
	"github.com/dirhaam/platforms-sub000/internal/services"
	"github.com/dirhaam/platforms-sub000/internal/webhook"
	"github.com/dirhaam/platforms-sub000/internal/whatsapp"
)

var errForeignResource = errors.New("resource belongs to another tenant")

// toHTTPError maps service errors to HTTP errors. Unknown errors become
// fallback, which send and bridge passthrough routes set to 502.
func toHTTPError(err error, fallback int) error {
	var statusErr *bridge.StatusError
	switch {
	case errors.Is(err, services.ErrTenantNotConfigured),
		errors.Is(err, services.ErrEndpointNotFound),
		errors.Is(err, services.ErrDeviceNotFound),
		errors.Is(err, repo.ErrConversationNotFound),
		errors.Is(err, repo.ErrMessageNotFound),
		errors.Is(err, whatsapp.ErrDeviceForeign),
		errors.Is(err, errForeignResource):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrEndpointInactive),
		errors.Is(err, services.ErrNoActiveEndpoint),
		errors.Is(err, whatsapp.ErrInvalidPhone):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, webhook.ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.As(err, &statusErr):
		return echo.NewHTTPError(http.StatusBadGateway, statusErr.Error())
	}

	if fallback == 0 {
		fallback = http.StatusInternalServerError
	}
	log.Error().Err(err).Int("status", fallback).Msg("Request failed")
	if fallback == http.StatusInternalServerError {
		return echo.NewHTTPError(fallback, "Internal server error")
	}
	return echo.NewHTTPError(fallback, err.Error())
}

// bindAndValidate binds the request body and runs the echo validator
func bindAndValidate(c echo.Context, dest interface{}) error {
	if err := c.Bind(dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(dest); err != nil {
			return err
		}
	}
	return nil
}
