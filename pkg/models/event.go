package models

import "time"

// Event types emitted by the connectivity layer
const (
	EventMessageReceived   = "message.received"
	EventMessageSent       = "message.sent"
	EventMessageStatus     = "message.status"
	EventDeviceConnected   = "device.connected"
	EventDeviceDisconnect  = "device.disconnected"
	EventDeviceQRCode      = "device.qr_code"
	EventDevicePairingCode = "device.pairing_code"
	EventDeviceError       = "device.error"
	EventDeviceReconnect   = "device.reconnect"
	EventGroupParticipants = "group.participants"
	EventEndpointHealth    = "endpoint.health"
	EventEndpointFailover  = "endpoint.failover"
)

// Event is an append-only observability record
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	TenantID  string                 `json:"tenant_id"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
