package models

import "time"

// DeviceStatus is the connection state machine value of a device
type DeviceStatus string

const (
	DeviceStatusDisconnected DeviceStatus = "disconnected"
	DeviceStatusConnecting   DeviceStatus = "connecting"
	DeviceStatusPairing      DeviceStatus = "pairing"
	DeviceStatusConnected    DeviceStatus = "connected"
	DeviceStatusError        DeviceStatus = "error"
)

// Device is one paired WhatsApp phone/session associated with an endpoint
type Device struct {
	ID                   string       `json:"id"`
	TenantID             string       `json:"tenant_id"`
	EndpointID           string       `json:"endpoint_id"`
	DeviceName           string       `json:"device_name"`
	PhoneNumber          string       `json:"phone_number,omitempty"`
	Status               DeviceStatus `json:"status"`
	QRCode               string       `json:"qr_code,omitempty"`
	PairingCode          string       `json:"pairing_code,omitempty"`
	LastError            string       `json:"last_error,omitempty"`
	ReconnectAttempts    int          `json:"reconnect_attempts"`
	MaxReconnectAttempts int          `json:"max_reconnect_attempts"`
	LastSeen             *time.Time   `json:"last_seen,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// CreateDeviceRequest is the input for registering a device
type CreateDeviceRequest struct {
	EndpointID           string `json:"endpoint_id"`
	DeviceName           string `json:"device_name" validate:"required"`
	PhoneNumber          string `json:"phone_number"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts" validate:"omitempty,min=0,max=50"`
}
