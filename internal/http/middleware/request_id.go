package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const loggerKey = "logger"

// RequestID tags each request with an ID and attaches a logger carrying it
// to both the echo context and the request context.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
			c.Set("request_id", requestID)

			logger := log.With().
				Str("request_id", requestID).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Logger()
			c.Set(loggerKey, &logger)
			c.SetRequest(req.WithContext(logger.WithContext(req.Context())))

			return next(c)
		}
	}
}

// Logger returns the request-scoped logger, enriched with the tenant once it
// has been resolved. Requests that skipped RequestID get the global logger.
func Logger(c echo.Context) *zerolog.Logger {
	logger, ok := c.Get(loggerKey).(*zerolog.Logger)
	if !ok {
		logger = &log.Logger
	}
	if tenantID := TenantID(c); tenantID != "" {
		scoped := logger.With().Str("tenant_id", tenantID).Logger()
		return &scoped
	}
	return logger
}
