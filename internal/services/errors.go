package services

import "errors"

// Configuration errors surfaced to callers of the public service methods.
var (
	ErrTenantNotConfigured = errors.New("tenant is not configured for WhatsApp")
	ErrEndpointNotFound    = errors.New("endpoint not found")
	ErrEndpointInactive    = errors.New("endpoint is inactive")
	ErrNoActiveEndpoint    = errors.New("no active endpoint configured")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrSessionCorrupt      = errors.New("stored session could not be opened")
)
