package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/events"
	"github.com/dirhaam/platforms-sub000/internal/repo"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// ConversationStore is the conversation access the message handler needs
type ConversationStore interface {
	CreateOrUpdate(ctx context.Context, tenantID, phone, name string) (*models.Conversation, error)
	Update(ctx context.Context, id string, patch models.ConversationUpdate) (*models.Conversation, error)
}

// MessageStore is the message access the message and status handlers need
type MessageStore interface {
	Store(ctx context.Context, msg *models.Message) (bool, error)
	UpdateStatus(ctx context.Context, tenantID, id string, status models.DeliveryStatus, at time.Time) (*models.Message, bool, error)
}

// DeviceController applies device lifecycle notifications
type DeviceController interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	HandleConnected(ctx context.Context, deviceID, phoneNumber string) (*models.Device, error)
	HandleDisconnected(ctx context.Context, deviceID string) (*models.Device, error)
	HandleQRCode(ctx context.Context, deviceID, qrCode string) (*models.Device, error)
	HandlePairingCode(ctx context.Context, deviceID, code string) (*models.Device, error)
	SaveSession(ctx context.Context, deviceID string, data []byte) error
}

// Handlers holds the sub-handlers the router dispatches to
type Handlers struct {
	conversations ConversationStore
	messages      MessageStore
	devices       DeviceController
	events        events.Emitter
}

// NewHandlers creates the webhook sub-handlers
func NewHandlers(conversations ConversationStore, messages MessageStore, devices DeviceController, emitter events.Emitter) *Handlers {
	return &Handlers{
		conversations: conversations,
		messages:      messages,
		devices:       devices,
		events:        emitter,
	}
}

// Register binds every sub-handler to its kind on router
func (h *Handlers) Register(router *Router) {
	router.On(KindMessage, h.HandleMessage)
	router.On(KindStatus, h.HandleStatus)
	router.On(KindDeviceStatus, h.HandleDevice)
	router.On(KindQRCode, h.HandleDevice)
	router.On(KindPairingCode, h.HandleDevice)
	router.On(KindGroup, h.HandleGroup)
}

// HandleMessage stores an inbound chat message and refreshes its conversation.
// Redelivered message ids are ignored.
func (h *Handlers) HandleMessage(ctx context.Context, tenantID string, evt *Event) error {
	in := evt.Message
	if in == nil {
		return fmt.Errorf("%w: message event without message", ErrMalformedPayload)
	}
	if in.FromMe {
		log.Debug().Str("tenant_id", tenantID).Str("message_id", in.ID).Msg("Ignoring outgoing message echo")
		return nil
	}

	phone := bridge.FormatPhone(in.From)
	if phone == "" {
		return fmt.Errorf("%w: message without sender", ErrMalformedPayload)
	}

	conv, err := h.conversations.CreateOrUpdate(ctx, tenantID, phone, in.PushName)
	if err != nil {
		return err
	}

	parsed := in.Parsed
	msg := &models.Message{
		ID:             in.ID,
		TenantID:       tenantID,
		DeviceID:       evt.DeviceID,
		ConversationID: conv.ID,
		Type:           parsed.Type,
		Content:        parsed.Content,
		MediaURL:       parsed.MediaURL,
		MediaCaption:   parsed.MediaCaption,
		IsFromCustomer: true,
		CustomerPhone:  phone,
		DeliveryStatus: models.DeliveryStatusDelivered,
		Metadata:       parsed.Metadata,
		SentAt:         evt.Timestamp,
	}
	created, err := h.messages.Store(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		log.Debug().Str("tenant_id", tenantID).Str("message_id", msg.ID).Msg("Duplicate inbound message ignored")
		return nil
	}

	at := msg.SentAt
	preview := parsed.Preview
	if _, err := h.conversations.Update(ctx, conv.ID, models.ConversationUpdate{
		LastMessageAt:      &at,
		LastMessagePreview: &preview,
		UnreadDelta:        1,
	}); err != nil {
		return err
	}

	messagesReceivedTotal.WithLabelValues(string(msg.Type)).Inc()
	h.emit(ctx, models.Event{
		Type:     models.EventMessageReceived,
		TenantID: tenantID,
		DeviceID: evt.DeviceID,
		Data: map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": conv.ID,
			"customer_phone":  phone,
			"type":            msg.Type,
			"preview":         preview,
		},
	})

	log.Info().
		Str("tenant_id", tenantID).
		Str("conversation_id", conv.ID).
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("Inbound message stored")
	return nil
}

// HandleStatus advances the delivery status of every referenced message
func (h *Handlers) HandleStatus(ctx context.Context, tenantID string, evt *Event) error {
	update := evt.Status
	if update == nil || len(update.MessageIDs) == 0 {
		return fmt.Errorf("%w: receipt without message ids", ErrMalformedPayload)
	}

	var errs []error
	for _, id := range update.MessageIDs {
		msg, changed, err := h.messages.UpdateStatus(ctx, tenantID, id, update.Status, evt.Timestamp)
		if errors.Is(err, repo.ErrMessageNotFound) {
			log.Debug().Str("tenant_id", tenantID).Str("message_id", id).Msg("Receipt for unknown message")
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}

		h.emit(ctx, models.Event{
			Type:     models.EventMessageStatus,
			TenantID: tenantID,
			DeviceID: evt.DeviceID,
			Data: map[string]interface{}{
				"message_id":      id,
				"conversation_id": msg.ConversationID,
				"status":          msg.DeliveryStatus,
			},
		})
	}
	return errors.Join(errs...)
}

// HandleDevice applies connection, QR and pairing-code notifications
func (h *Handlers) HandleDevice(ctx context.Context, tenantID string, evt *Event) error {
	update := evt.Device
	if update == nil {
		return fmt.Errorf("%w: device event without data", ErrMalformedPayload)
	}
	if evt.DeviceID == UnknownDevice {
		log.Warn().Str("tenant_id", tenantID).Str("event_type", string(evt.Kind)).Msg("Device event without device id dropped")
		return nil
	}

	device, err := h.devices.GetDevice(ctx, evt.DeviceID)
	if err != nil {
		return err
	}
	if device.TenantID != tenantID {
		log.Warn().Str("tenant_id", tenantID).Str("device_id", evt.DeviceID).Msg("Device event for device of another tenant dropped")
		return nil
	}

	switch evt.Kind {
	case KindQRCode:
		if update.QRCode == "" {
			return fmt.Errorf("%w: qr event without code", ErrMalformedPayload)
		}
		_, err = h.devices.HandleQRCode(ctx, evt.DeviceID, update.QRCode)
	case KindPairingCode:
		if update.PairingCode == "" {
			return fmt.Errorf("%w: pairing event without code", ErrMalformedPayload)
		}
		_, err = h.devices.HandlePairingCode(ctx, evt.DeviceID, update.PairingCode)
	default:
		switch update.Status {
		case "connected", "open", "logged_in":
			if _, err = h.devices.HandleConnected(ctx, evt.DeviceID, update.Phone); err != nil {
				return err
			}
			if len(update.Session) > 0 {
				err = h.devices.SaveSession(ctx, evt.DeviceID, update.Session)
			}
		case "disconnected", "close", "logged_out":
			_, err = h.devices.HandleDisconnected(ctx, evt.DeviceID)
		default:
			log.Debug().Str("device_id", evt.DeviceID).Str("status", update.Status).Msg("Ignoring device status")
		}
	}
	return err
}

// HandleGroup records group membership changes as events
func (h *Handlers) HandleGroup(ctx context.Context, tenantID string, evt *Event) error {
	if evt.Group == nil {
		return fmt.Errorf("%w: group event without data", ErrMalformedPayload)
	}
	h.emit(ctx, models.Event{
		Type:     models.EventGroupParticipants,
		TenantID: tenantID,
		DeviceID: evt.DeviceID,
		Data: map[string]interface{}{
			"chat_id":      evt.Group.ChatID,
			"action":       evt.Group.Action,
			"participants": evt.Group.Participants,
		},
	})
	return nil
}

func (h *Handlers) emit(ctx context.Context, event models.Event) {
	if h.events != nil {
		h.events.Emit(ctx, event)
	}
}
