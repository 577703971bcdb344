package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/dirhaam/platforms-sub000/internal/app"
	"github.com/dirhaam/platforms-sub000/internal/http/middleware"
)

// SetupRoutes registers the admin API, the public webhook receiver and the
// websocket endpoint. The returned websocket handler must be closed on shutdown.
func SetupRoutes(e *echo.Echo, services *app.Services) (*WebSocketHandler, error) {
	wsHandler, err := NewWebSocketHandler(services.Recorder, services.AuthService)
	if err != nil {
		return nil, err
	}

	// Bridge webhooks (public, verified by signature)
	webhookHandler := NewWebhookHandler(services.WebhookRouter, services.Config.WebhookMaxBodyBytes)
	e.POST("/webhooks/whatsapp/:tenant_id/:endpoint_id", webhookHandler.Receive)

	// Realtime events; token from the query string or the Authorization header
	e.GET("/ws", wsHandler.HandleWebSocket)

	api := e.Group("/api/v1")
	protected := api.Group("")
	protected.Use(middleware.JWTAuth(services.AuthService))
	protected.Use(middleware.TenantResolver())
	protected.Use(middleware.RequireTenant())

	var history HealthHistoryReader
	if services.HealthHistory != nil {
		history = services.HealthHistory
	}

	wa := protected.Group("/whatsapp")

	configHandler := NewWhatsAppConfigHandler(services.Registry, services.Monitor, history)
	wa.GET("/config", configHandler.GetConfig)
	wa.PUT("/config", configHandler.UpdateConfig, middleware.TenantAdminOrAbove())
	wa.POST("/config/initialize", configHandler.Initialize, middleware.TenantAdminOrAbove())
	wa.GET("/endpoints", configHandler.ListEndpoints)
	wa.POST("/endpoints", configHandler.AddEndpoint, middleware.TenantAdminOrAbove())
	wa.PUT("/endpoints/:id", configHandler.UpdateEndpoint, middleware.TenantAdminOrAbove())
	wa.DELETE("/endpoints/:id", configHandler.RemoveEndpoint, middleware.TenantAdminOrAbove())
	wa.POST("/endpoints/:id/health-check", configHandler.CheckEndpoint)
	wa.GET("/endpoints/:id/health", configHandler.EndpointHealth)
	wa.GET("/health", configHandler.MonitoringStatus)
	wa.POST("/health-check", configHandler.CheckTenant)

	deviceHandler := NewDeviceHandler(services.Devices)
	wa.GET("/devices", deviceHandler.List)
	wa.POST("/devices", deviceHandler.Create, middleware.TenantAdminOrAbove())
	wa.GET("/devices/:id", deviceHandler.Get)
	wa.DELETE("/devices/:id", deviceHandler.Delete, middleware.TenantAdminOrAbove())
	wa.POST("/devices/:id/connect", deviceHandler.Connect)
	wa.POST("/devices/:id/disconnect", deviceHandler.Disconnect)
	wa.POST("/devices/:id/refresh", deviceHandler.Refresh)

	messagingHandler := NewMessagingHandler(services.WhatsApp)
	wa.POST("/messages/send", messagingHandler.SendMessage)
	wa.POST("/messages/send-file", messagingHandler.SendFile)
	wa.GET("/conversations", messagingHandler.ListConversations)
	wa.GET("/conversations/:id", messagingHandler.GetConversation)
	wa.GET("/conversations/:id/messages", messagingHandler.GetConversationMessages)
	wa.POST("/conversations/:id/read", messagingHandler.MarkAsRead)
	wa.GET("/chats", messagingHandler.ListChats)
	wa.GET("/chats/:jid/messages", messagingHandler.ListChatMessages)

	eventsHandler := NewEventsHandler(services.Recorder, services.WebhookRouter)
	wa.GET("/events", eventsHandler.List)
	wa.GET("/webhooks/failed", eventsHandler.FailedWebhooks, middleware.TenantAdminOrAbove())

	return wsHandler, nil
}
