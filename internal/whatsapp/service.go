// Package whatsapp is the outbound messaging surface: it sends through the
// tenant's bridge and records conversations only after the bridge accepted
// the message.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/events"
	"github.com/dirhaam/platforms-sub000/internal/repo"
	"github.com/dirhaam/platforms-sub000/internal/webhook"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

var (
	ErrInvalidPhone  = errors.New("invalid phone number")
	ErrDeviceForeign = errors.New("device belongs to another tenant")
)

// ClientResolver picks the bridge client for a tenant
type ClientResolver interface {
	GetClient(ctx context.Context, tenantID, endpointID string) (bridge.API, *models.Endpoint, error)
	GetHealthyClient(ctx context.Context, tenantID string) (bridge.API, *models.Endpoint, error)
}

// DeviceLookup resolves the endpoint a device is bound to
type DeviceLookup interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// MediaArchiver keeps a copy of outbound files
type MediaArchiver interface {
	Upload(ctx context.Context, tenantID, messageID, filename string, body io.ReadSeeker) (string, error)
}

// SendFileRequest is the input for an outbound file
type SendFileRequest struct {
	DeviceID   string `form:"device_id"`
	EndpointID string `form:"endpoint_id"`
	Phone      string `form:"phone" validate:"required"`
	Caption    string `form:"caption"`
	Filename   string `form:"-"`
}

// Service sends messages and exposes the stored conversation history
type Service struct {
	clients       ClientResolver
	devices       DeviceLookup
	conversations *repo.ConversationRepository
	messages      *repo.MessageRepository
	media         MediaArchiver
	events        events.Emitter
	now           func() time.Time
}

// NewService creates the messaging service; media may be nil
func NewService(clients ClientResolver, devices DeviceLookup, conversations *repo.ConversationRepository, messages *repo.MessageRepository, media MediaArchiver, emitter events.Emitter) *Service {
	return &Service{
		clients:       clients,
		devices:       devices,
		conversations: conversations,
		messages:      messages,
		media:         media,
		events:        emitter,
		now:           time.Now,
	}
}

// SendMessage sends a text message. Nothing is recorded when the bridge call fails.
func (s *Service) SendMessage(ctx context.Context, tenantID string, req models.SendMessageRequest) (*models.Message, error) {
	phone := bridge.FormatPhone(req.Phone)
	if phone == "" {
		return nil, ErrInvalidPhone
	}

	client, ep, err := s.resolve(ctx, tenantID, req.DeviceID, req.EndpointID)
	if err != nil {
		return nil, err
	}

	resp, err := client.SendMessage(ctx, phone, req.Message)
	if err != nil {
		messagesSentTotal.WithLabelValues("text", "failed").Inc()
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	messagesSentTotal.WithLabelValues("text", "sent").Inc()

	msg := &models.Message{
		ID:             resp.MessageID,
		TenantID:       tenantID,
		DeviceID:       req.DeviceID,
		Type:           models.MessageTypeText,
		Content:        req.Message,
		CustomerPhone:  phone,
		DeliveryStatus: models.DeliveryStatusSent,
		Metadata:       map[string]string{"endpoint_id": ep.ID},
	}
	parsed := webhook.ParseMessage(map[string]interface{}{"text": req.Message})
	if err := s.record(ctx, msg, parsed.Preview); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendFile uploads a file through the bridge, archiving it first when media
// storage is configured. Nothing is recorded when the bridge call fails.
func (s *Service) SendFile(ctx context.Context, tenantID string, req SendFileRequest, file io.ReadSeeker) (*models.Message, error) {
	phone := bridge.FormatPhone(req.Phone)
	if phone == "" {
		return nil, ErrInvalidPhone
	}

	client, ep, err := s.resolve(ctx, tenantID, req.DeviceID, req.EndpointID)
	if err != nil {
		return nil, err
	}

	localID := uuid.NewString()
	var mediaURL string
	if s.media != nil {
		mediaURL, err = s.media.Upload(ctx, tenantID, localID, req.Filename, file)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Media archive failed, sending without archive")
			mediaURL = ""
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("failed to rewind file: %w", err)
			}
		}
	}

	kind := mediaKind(req.Filename)
	resp, err := client.SendFile(ctx, phone, req.Caption, req.Filename, file)
	if err != nil {
		messagesSentTotal.WithLabelValues(string(kind), "failed").Inc()
		return nil, fmt.Errorf("failed to send file: %w", err)
	}
	messagesSentTotal.WithLabelValues(string(kind), "sent").Inc()

	parsed := webhook.ParseMessage(map[string]interface{}{
		string(kind): map[string]interface{}{
			"caption":  req.Caption,
			"filename": req.Filename,
			"url":      mediaURL,
		},
	})

	id := resp.MessageID
	if id == "" {
		id = localID
	}
	msg := &models.Message{
		ID:             id,
		TenantID:       tenantID,
		DeviceID:       req.DeviceID,
		Type:           parsed.Type,
		Content:        parsed.Content,
		MediaURL:       mediaURL,
		MediaCaption:   req.Caption,
		CustomerPhone:  phone,
		DeliveryStatus: models.DeliveryStatusSent,
		Metadata:       map[string]string{"endpoint_id": ep.ID, "filename": req.Filename},
	}
	if err := s.record(ctx, msg, parsed.Preview); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListConversations returns the tenant's conversations, most recent first
func (s *Service) ListConversations(ctx context.Context, tenantID string) ([]models.Conversation, error) {
	return s.conversations.ListByTenant(ctx, tenantID)
}

// GetConversation returns one conversation of the tenant
func (s *Service) GetConversation(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	return s.conversations.GetByIDAndTenant(ctx, tenantID, conversationID)
}

// GetConversationMessages returns the newest messages of a conversation in chronological order
func (s *Service) GetConversationMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]models.Message, error) {
	if _, err := s.conversations.GetByIDAndTenant(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return s.messages.GetByConversation(ctx, tenantID, conversationID, limit)
}

// MarkConversationRead zeroes the unread counter of a conversation
func (s *Service) MarkConversationRead(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	if _, err := s.conversations.GetByIDAndTenant(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return s.conversations.MarkRead(ctx, conversationID)
}

// GetChats lists chats straight from the bridge
func (s *Service) GetChats(ctx context.Context, tenantID, endpointID string) ([]bridge.Chat, error) {
	client, _, err := s.resolve(ctx, tenantID, "", endpointID)
	if err != nil {
		return nil, err
	}
	return client.GetChats(ctx)
}

// GetChatMessages lists the messages of one chat straight from the bridge
func (s *Service) GetChatMessages(ctx context.Context, tenantID, endpointID, jid string) ([]bridge.ChatMessage, error) {
	client, _, err := s.resolve(ctx, tenantID, "", endpointID)
	if err != nil {
		return nil, err
	}
	return client.GetChatMessages(ctx, jid)
}

// resolve prefers the device's endpoint, then an explicit endpoint, then the
// healthiest endpoint of the tenant.
func (s *Service) resolve(ctx context.Context, tenantID, deviceID, endpointID string) (bridge.API, *models.Endpoint, error) {
	if deviceID != "" && s.devices != nil {
		device, err := s.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, nil, err
		}
		if device.TenantID != tenantID {
			return nil, nil, ErrDeviceForeign
		}
		endpointID = device.EndpointID
	}
	if endpointID != "" {
		return s.clients.GetClient(ctx, tenantID, endpointID)
	}
	return s.clients.GetHealthyClient(ctx, tenantID)
}

// record persists a message the bridge accepted and refreshes its conversation
func (s *Service) record(ctx context.Context, msg *models.Message, preview string) error {
	conv, err := s.conversations.CreateOrUpdate(ctx, msg.TenantID, msg.CustomerPhone, "")
	if err != nil {
		return err
	}

	msg.ConversationID = conv.ID
	msg.SentAt = s.now()
	if _, err := s.messages.Store(ctx, msg); err != nil {
		return err
	}

	at := msg.SentAt
	if _, err := s.conversations.Update(ctx, conv.ID, models.ConversationUpdate{
		LastMessageAt:      &at,
		LastMessagePreview: &preview,
	}); err != nil {
		return err
	}

	if s.events != nil {
		s.events.Emit(ctx, models.Event{
			Type:     models.EventMessageSent,
			TenantID: msg.TenantID,
			DeviceID: msg.DeviceID,
			Data: map[string]interface{}{
				"message_id":      msg.ID,
				"conversation_id": conv.ID,
				"customer_phone":  msg.CustomerPhone,
				"type":            msg.Type,
			},
		})
	}

	log.Info().
		Str("tenant_id", msg.TenantID).
		Str("conversation_id", conv.ID).
		Str("message_id", msg.ID).
		Msg("Outbound message recorded")
	return nil
}

func mediaKind(filename string) models.MessageType {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageTypeAudio
	}
	return models.MessageTypeDocument
}
