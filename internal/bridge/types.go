package bridge

import (
	"context"
	"fmt"
	"io"
)

// API is the REST surface of a WhatsApp bridge instance
type API interface {
	SendMessage(ctx context.Context, phone, message string) (*SendResponse, error)
	SendFile(ctx context.Context, phone, caption, filename string, file io.Reader) (*SendResponse, error)
	GetDevices(ctx context.Context) ([]DeviceInfo, error)
	GenerateQRCode(ctx context.Context) (*QRCodeResponse, error)
	GeneratePairingCode(ctx context.Context, phone string) (*PairingCodeResponse, error)
	Logout(ctx context.Context) error
	GetChats(ctx context.Context) ([]Chat, error)
	GetChatMessages(ctx context.Context, jid string) ([]ChatMessage, error)
	Health(ctx context.Context) error
}

// envelope is the common response wrapper of the bridge
type envelope[T any] struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Results T      `json:"results"`
}

// SendResponse is returned by the send endpoints
type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// DeviceInfo is one logged-in device reported by the bridge
type DeviceInfo struct {
	Name   string `json:"name"`
	Device string `json:"device"`
}

// QRCodeResponse holds the login QR produced by the bridge
type QRCodeResponse struct {
	QRLink     string `json:"qr_link"`
	QRDuration int    `json:"qr_duration"`
}

// PairingCodeResponse holds the numeric pairing code produced by the bridge
type PairingCodeResponse struct {
	PairCode string `json:"pair_code"`
}

// Chat is a chat thread known to the bridge
type Chat struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time,omitempty"`
	UnreadCount     int    `json:"unread_count,omitempty"`
}

// ChatMessage is a message stored by the bridge for a chat
type ChatMessage struct {
	ID        string `json:"id"`
	ChatJID   string `json:"chat_jid"`
	SenderJID string `json:"sender_jid"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsFromMe  bool   `json:"is_from_me"`
	MediaType string `json:"media_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
}

type pagedResults[T any] struct {
	Data []T `json:"data"`
}

// StatusError is returned when the bridge answers with a non-2xx status
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
