package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/app"
	"github.com/dirhaam/platforms-sub000/internal/config"
	"github.com/dirhaam/platforms-sub000/internal/http/handlers"
	"github.com/dirhaam/platforms-sub000/internal/http/middleware"
	"github.com/dirhaam/platforms-sub000/internal/logger"
	"github.com/dirhaam/platforms-sub000/internal/telemetry"
)

// CustomValidator wraps the validator
type CustomValidator struct {
	validator *validator.Validate
}

// Validate implements echo.Validator interface
func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logCloser := logger.Setup(logger.Options{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
		Compress:    cfg.LogCompression,
	})
	defer logCloser.Close()

	// Initialize telemetry (optional service)
	shutdownTelemetry, enabled, err := telemetry.InitTelemetry(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
	} else if enabled {
		log.Info().Msg("Telemetry initialized successfully")
	} else {
		log.Info().Msg("Telemetry disabled")
	}
	defer shutdownTelemetry()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	services, err := app.NewServices(startCtx, cfg)
	if err != nil {
		cancelStart()
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	services.Start(startCtx)
	cancelStart()

	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(middleware.Telemetry())

	e.GET("/health", func(c echo.Context) error {
		if err := services.Store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	wsHandler, err := handlers.SetupRoutes(e, services)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup routes")
	}

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	wsHandler.Close()
	services.Shutdown(ctx)

	log.Info().Msg("Server exited")
}
