package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HealthCheckRecord is the persisted history row of an endpoint probe
type HealthCheckRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string    `gorm:"size:64;index:idx_health_tenant_endpoint;not null" json:"tenant_id"`
	EndpointID     string    `gorm:"size:64;index:idx_health_tenant_endpoint;not null" json:"endpoint_id"`
	Status         string    `gorm:"size:16;not null" json:"status"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CheckedAt      time.Time `gorm:"index" json:"checked_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID if not set
func (r *HealthCheckRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// GetAllModels returns the models managed by AutoMigrate
func GetAllModels() []interface{} {
	return []interface{}{
		&HealthCheckRecord{},
	}
}
