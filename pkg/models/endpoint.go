package models

import "time"

// HealthStatus is the last known probe outcome for an endpoint
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// Endpoint is a configured connection to one WhatsApp bridge instance for a tenant
type Endpoint struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Name            string       `json:"name"`
	APIURL          string       `json:"api_url"`
	APIKey          string       `json:"api_key,omitempty"`
	WebhookURL      string       `json:"webhook_url,omitempty"`
	WebhookSecret   string       `json:"webhook_secret,omitempty"`
	IsActive        bool         `json:"is_active"`
	IsPrimary       bool         `json:"is_primary"`
	HealthStatus    HealthStatus `json:"health_status"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Redacted returns a copy safe to expose through the admin API
func (e Endpoint) Redacted() Endpoint {
	if e.APIKey != "" {
		e.APIKey = "********"
	}
	if e.WebhookSecret != "" {
		e.WebhookSecret = "********"
	}
	return e
}

// EndpointSpec is the input for registering a new endpoint
type EndpointSpec struct {
	Name          string `json:"name" validate:"required"`
	APIURL        string `json:"api_url" validate:"required,url"`
	APIKey        string `json:"api_key"`
	WebhookURL    string `json:"webhook_url" validate:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret"`
	IsActive      *bool  `json:"is_active"`
	IsPrimary     bool   `json:"is_primary"`
}

// EndpointUpdate carries a partial update; nil fields are left untouched
type EndpointUpdate struct {
	Name          *string `json:"name"`
	APIURL        *string `json:"api_url" validate:"omitempty,url"`
	APIKey        *string `json:"api_key"`
	WebhookURL    *string `json:"webhook_url" validate:"omitempty,url"`
	WebhookSecret *string `json:"webhook_secret"`
	IsActive      *bool   `json:"is_active"`
	IsPrimary     *bool   `json:"is_primary"`
}

// TenantConfiguration owns a tenant's endpoints and connectivity policy
type TenantConfiguration struct {
	TenantID            string     `json:"tenant_id"`
	Endpoints           []Endpoint `json:"endpoints"`
	PrimaryEndpointID   string     `json:"primary_endpoint_id,omitempty"`
	AutoReconnect       bool       `json:"auto_reconnect"`
	HealthCheckInterval int        `json:"health_check_interval"` // seconds
	FailoverEnabled     bool       `json:"failover_enabled"`
	WebhookRetries      int        `json:"webhook_retries"`
	MessageTimeout      int        `json:"message_timeout"` // seconds
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HealthCheckEvery returns the probe interval as a duration
func (c *TenantConfiguration) HealthCheckEvery() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// RequestTimeout returns the bridge request timeout as a duration
func (c *TenantConfiguration) RequestTimeout() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Second
}

// Endpoint returns a pointer into the endpoint list, or nil
func (c *TenantConfiguration) Endpoint(id string) *Endpoint {
	for i := range c.Endpoints {
		if c.Endpoints[i].ID == id {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// Primary returns the endpoint flagged primary, or nil
func (c *TenantConfiguration) Primary() *Endpoint {
	for i := range c.Endpoints {
		if c.Endpoints[i].IsPrimary {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// PolicyUpdate carries a partial update of tenant policy fields
type PolicyUpdate struct {
	AutoReconnect       *bool `json:"auto_reconnect"`
	HealthCheckInterval *int  `json:"health_check_interval" validate:"omitempty,min=5,max=86400"`
	FailoverEnabled     *bool `json:"failover_enabled"`
	WebhookRetries      *int  `json:"webhook_retries" validate:"omitempty,min=0,max=10"`
	MessageTimeout      *int  `json:"message_timeout" validate:"omitempty,min=1,max=300"`
}

// HealthCheckResult is the outcome of a single endpoint probe
type HealthCheckResult struct {
	TenantID       string       `json:"tenant_id"`
	EndpointID     string       `json:"endpoint_id"`
	Status         HealthStatus `json:"status"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CheckedAt      time.Time    `json:"checked_at"`
}
