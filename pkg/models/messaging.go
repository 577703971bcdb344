package models

import "time"

// MessageType is the normalized kind of a chat message
type MessageType string

const (
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypeReaction MessageType = "reaction"
	MessageTypeText     MessageType = "text"
	MessageTypeAction   MessageType = "action"
	MessageTypeUnknown  MessageType = "unknown"
)

// DeliveryStatus tracks an outbound message through the bridge
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
)

// Rank orders delivery statuses so updates never go backwards
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	case DeliveryStatusRead:
		return 3
	}
	return 0
}

// Conversation is the per-customer-phone chat thread of a tenant
type Conversation struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id"`
	CustomerPhone      string            `json:"customer_phone"`
	CustomerName       string            `json:"customer_name,omitempty"`
	LastMessageAt      *time.Time        `json:"last_message_at,omitempty"`
	LastMessagePreview string            `json:"last_message_preview,omitempty"`
	UnreadCount        int               `json:"unread_count"`
	Status             string            `json:"status"`
	Tags               []string          `json:"tags"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ConversationUpdate is a partial update merged into a conversation
type ConversationUpdate struct {
	CustomerName       *string
	LastMessageAt      *time.Time
	LastMessagePreview *string
	UnreadCount        *int
	UnreadDelta        int
	Status             *string
	Tags               []string
	Metadata           map[string]string
}

// Message is a single chat message, inbound or outbound
type Message struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	DeviceID       string            `json:"device_id"`
	ConversationID string            `json:"conversation_id"`
	Type           MessageType       `json:"type"`
	Content        string            `json:"content"`
	MediaURL       string            `json:"media_url,omitempty"`
	MediaCaption   string            `json:"media_caption,omitempty"`
	IsFromCustomer bool              `json:"is_from_customer"`
	CustomerPhone  string            `json:"customer_phone"`
	DeliveryStatus DeliveryStatus    `json:"delivery_status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SentAt         time.Time         `json:"sent_at"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
}

// SendMessageRequest is the input for an outbound text message
type SendMessageRequest struct {
	DeviceID   string `json:"device_id"`
	EndpointID string `json:"endpoint_id"`
	Phone      string `json:"phone" validate:"required"`
	Message    string `json:"message" validate:"required"`
}
