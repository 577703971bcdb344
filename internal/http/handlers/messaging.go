package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/dirhaam/platforms-sub000/internal/http/middleware"
	"github.com/dirhaam/platforms-sub000/internal/whatsapp"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

const maxUploadBytes = 16 << 20

// MessagingHandler sends messages and serves conversation history
type MessagingHandler struct {
	service *whatsapp.Service
}

// NewMessagingHandler creates a new messaging handler
func NewMessagingHandler(service *whatsapp.Service) *MessagingHandler {
	return &MessagingHandler{service: service}
}

// SendMessage sends a text message
func (h *MessagingHandler) SendMessage(c echo.Context) error {
	var req models.SendMessageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	msg, err := h.service.SendMessage(c.Request().Context(), middleware.TenantID(c), req)
	if err != nil {
		return toHTTPError(err, http.StatusBadGateway)
	}
	return c.JSON(http.StatusOK, msg)
}

// SendFile sends a multipart uploaded file
func (h *MessagingHandler) SendFile(c echo.Context) error {
	var req whatsapp.SendFileRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	header, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if header.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	file, err := header.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read file")
	}
	defer file.Close()

	req.Filename = filepath.Base(header.Filename)
	msg, err := h.service.SendFile(c.Request().Context(), middleware.TenantID(c), req, file)
	if err != nil {
		return toHTTPError(err, http.StatusBadGateway)
	}
	return c.JSON(http.StatusOK, msg)
}

// ListConversations returns the tenant's conversations
func (h *MessagingHandler) ListConversations(c echo.Context) error {
	conversations, err := h.service.ListConversations(c.Request().Context(), middleware.TenantID(c))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  conversations,
		"total": len(conversations),
	})
}

// GetConversation returns one conversation
func (h *MessagingHandler) GetConversation(c echo.Context) error {
	conv, err := h.service.GetConversation(c.Request().Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, conv)
}

// GetConversationMessages returns the newest messages of a conversation
func (h *MessagingHandler) GetConversationMessages(c echo.Context) error {
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	messages, err := h.service.GetConversationMessages(c.Request().Context(), middleware.TenantID(c), c.Param("id"), limit)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  messages,
		"limit": limit,
	})
}

// MarkAsRead zeroes the unread counter
func (h *MessagingHandler) MarkAsRead(c echo.Context) error {
	conv, err := h.service.MarkConversationRead(c.Request().Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, conv)
}

// ListChats passes through to the bridge chat list
func (h *MessagingHandler) ListChats(c echo.Context) error {
	chats, err := h.service.GetChats(c.Request().Context(), middleware.TenantID(c), c.QueryParam("endpoint_id"))
	if err != nil {
		return toHTTPError(err, http.StatusBadGateway)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": chats})
}

// ListChatMessages passes through to the bridge messages of one chat
func (h *MessagingHandler) ListChatMessages(c echo.Context) error {
	messages, err := h.service.GetChatMessages(c.Request().Context(), middleware.TenantID(c), c.QueryParam("endpoint_id"), c.Param("jid"))
	if err != nil {
		return toHTTPError(err, http.StatusBadGateway)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": messages})
}
