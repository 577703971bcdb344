package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// HealthCheckRepository persists endpoint probe history in Postgres
type HealthCheckRepository struct {
	db *gorm.DB
}

// NewHealthCheckRepository creates a new health check repository
func NewHealthCheckRepository(db *gorm.DB) *HealthCheckRepository {
	return &HealthCheckRepository{db: db}
}

// Save stores one probe result
func (r *HealthCheckRepository) Save(ctx context.Context, result models.HealthCheckResult) error {
	record := &models.HealthCheckRecord{
		TenantID:       result.TenantID,
		EndpointID:     result.EndpointID,
		Status:         string(result.Status),
		ResponseTimeMs: result.ResponseTimeMs,
		ErrorMessage:   result.ErrorMessage,
		CheckedAt:      result.CheckedAt,
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// ListRecent returns the newest probe records of an endpoint
func (r *HealthCheckRepository) ListRecent(ctx context.Context, tenantID, endpointID string, limit int) ([]models.HealthCheckRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var records []models.HealthCheckRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND endpoint_id = ?", tenantID, endpointID).
		Order("checked_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// DeleteOlderThan prunes history rows checked before cutoff
func (r *HealthCheckRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("checked_at < ?", cutoff).Delete(&models.HealthCheckRecord{})
	return result.RowsAffected, result.Error
}
