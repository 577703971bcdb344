package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dirhaam/platforms-sub000/internal/events"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

const healthResultTTL = 24 * time.Hour

// HealthHistory persists probe results beyond the latest one
type HealthHistory interface {
	Save(ctx context.Context, result models.HealthCheckResult) error
}

// HealthMonitor probes endpoints on per-endpoint cron entries and triggers
// failover when a primary endpoint becomes unhealthy.
type HealthMonitor struct {
	registry    *EndpointRegistry
	store       kvstore.Store
	history     HealthHistory
	events      events.Emitter
	timeout     time.Duration
	concurrency int

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]monitorEntry
	running bool
}

type monitorEntry struct {
	id       cron.EntryID
	tenantID string
	interval time.Duration
}

// NewHealthMonitor creates a monitor; history may be nil
func NewHealthMonitor(registry *EndpointRegistry, store kvstore.Store, history HealthHistory, emitter events.Emitter, timeout time.Duration, concurrency int) *HealthMonitor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	return &HealthMonitor{
		registry:    registry,
		store:       store,
		history:     history,
		events:      emitter,
		timeout:     timeout,
		concurrency: concurrency,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}))),
		entries:     make(map[string]monitorEntry),
	}
}

// Start runs the scheduler and resumes monitoring of every active endpoint
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.cron.Start()
	m.ResumeAll(ctx)

	log.Info().Int("endpoints", m.MonitoredCount()).Msg("WhatsApp health monitor started")
}

// Stop halts the scheduler, waits for running probes and drops every entry
func (m *HealthMonitor) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	for endpointID, entry := range m.entries {
		m.cron.Remove(entry.id)
		delete(m.entries, endpointID)
	}
	monitoredEndpoints.Set(0)
	m.mu.Unlock()

	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		log.Warn().Msg("Health monitor stopped before running probes finished")
	}
}

// ResumeAll schedules probes for every active endpoint of every known tenant
func (m *HealthMonitor) ResumeAll(ctx context.Context) {
	tenants, err := m.registry.ListTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tenants for health monitoring")
		return
	}

	for _, tenantID := range tenants {
		cfg, err := m.registry.GetConfiguration(ctx, tenantID)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Skipping tenant without configuration")
			continue
		}
		for _, ep := range cfg.Endpoints {
			if ep.IsActive {
				m.StartMonitoring(tenantID, ep.ID, cfg.HealthCheckEvery())
			}
		}
	}
}

// StartMonitoring (re)schedules probes for an endpoint, replacing any previous entry
func (m *HealthMonitor) StartMonitoring(tenantID, endpointID string, interval time.Duration) {
	if interval < time.Second {
		interval = 60 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[endpointID]; ok {
		m.cron.Remove(existing.id)
	}

	id := m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		m.runScheduledProbe(tenantID, endpointID)
	}))
	m.entries[endpointID] = monitorEntry{id: id, tenantID: tenantID, interval: interval}
	monitoredEndpoints.Set(float64(len(m.entries)))

	log.Debug().
		Str("tenant_id", tenantID).
		Str("endpoint_id", endpointID).
		Dur("interval", interval).
		Msg("Endpoint health monitoring scheduled")
}

// StopMonitoring removes the probe entry of an endpoint; unknown ids are ignored
func (m *HealthMonitor) StopMonitoring(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[endpointID]; ok {
		m.cron.Remove(existing.id)
		delete(m.entries, endpointID)
		monitoredEndpoints.Set(float64(len(m.entries)))
	}
}

// IsMonitoring reports whether an endpoint has a scheduled probe
func (m *HealthMonitor) IsMonitoring(endpointID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[endpointID]
	return ok
}

// MonitoredCount returns the number of scheduled endpoints
func (m *HealthMonitor) MonitoredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *HealthMonitor) runScheduledProbe(tenantID, endpointID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.timeout)
	defer cancel()

	ep, err := m.registry.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) || errors.Is(err, ErrTenantNotConfigured) {
			m.StopMonitoring(endpointID)
			return
		}
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("endpoint_id", endpointID).Msg("Failed to load endpoint for health probe")
		return
	}
	if !ep.IsActive {
		m.StopMonitoring(endpointID)
		return
	}

	if _, err := m.CheckEndpoint(ctx, tenantID, endpointID); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("endpoint_id", endpointID).Msg("Health probe failed to complete")
	}
}

// CheckEndpoint probes one endpoint, records the result and fails over when
// the probed endpoint is an unhealthy primary.
func (m *HealthMonitor) CheckEndpoint(ctx context.Context, tenantID, endpointID string) (*models.HealthCheckResult, error) {
	cfg, err := m.registry.GetConfiguration(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ep := cfg.Endpoint(endpointID)
	if ep == nil {
		return nil, ErrEndpointNotFound
	}
	previous := ep.HealthStatus
	client := m.registry.ClientFor(cfg, *ep)

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	probeErr := client.Health(probeCtx)
	elapsed := time.Since(start)
	cancel()

	result := models.HealthCheckResult{
		TenantID:       tenantID,
		EndpointID:     endpointID,
		Status:         models.HealthStatusHealthy,
		ResponseTimeMs: elapsed.Milliseconds(),
		CheckedAt:      time.Now(),
	}
	if probeErr != nil {
		result.Status = models.HealthStatusUnhealthy
		result.ErrorMessage = probeErr.Error()
	}

	healthProbesTotal.WithLabelValues(string(result.Status)).Inc()
	healthProbeDuration.Observe(elapsed.Seconds())

	if err := m.store.Set(ctx, kvstore.HealthKey(tenantID, endpointID), result, healthResultTTL); err != nil {
		log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to store latest health result")
	}
	if m.history != nil {
		if err := m.history.Save(ctx, result); err != nil {
			log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to persist health history")
		}
	}

	updated, err := m.registry.RecordHealth(ctx, tenantID, endpointID, result.Status, result.CheckedAt)
	if err != nil {
		return &result, err
	}

	if previous != result.Status {
		log.Info().
			Str("tenant_id", tenantID).
			Str("endpoint_id", endpointID).
			Str("status", string(result.Status)).
			Str("error", result.ErrorMessage).
			Msg("Endpoint health changed")
		m.emit(ctx, models.Event{
			Type:     models.EventEndpointHealth,
			TenantID: tenantID,
			Data: map[string]interface{}{
				"endpoint_id":   endpointID,
				"status":        result.Status,
				"previous":      previous,
				"response_time": elapsed.Milliseconds(),
				"error_message": result.ErrorMessage,
			},
		})
	}

	current := updated.Endpoint(endpointID)
	if result.Status == models.HealthStatusUnhealthy && current != nil && current.IsPrimary && updated.FailoverEnabled {
		m.failover(ctx, tenantID, endpointID)
	}

	return &result, nil
}

func (m *HealthMonitor) failover(ctx context.Context, tenantID, failedID string) {
	promoted, err := m.registry.Failover(ctx, tenantID, failedID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("endpoint_id", failedID).Msg("Failover failed")
		return
	}
	if promoted == nil {
		log.Warn().Str("tenant_id", tenantID).Str("endpoint_id", failedID).Msg("Primary endpoint unhealthy and no healthy backup available")
		return
	}

	failoversTotal.Inc()
	log.Warn().
		Str("tenant_id", tenantID).
		Str("from_endpoint_id", failedID).
		Str("to_endpoint_id", promoted.ID).
		Msg("Failed over to backup endpoint")

	m.emit(ctx, models.Event{
		Type:     models.EventEndpointFailover,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"from_endpoint_id": failedID,
			"to_endpoint_id":   promoted.ID,
		},
	})
}

// CheckTenant probes every active endpoint of a tenant concurrently
func (m *HealthMonitor) CheckTenant(ctx context.Context, tenantID string) ([]models.HealthCheckResult, error) {
	cfg, err := m.registry.GetConfiguration(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []models.HealthCheckResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, ep := range cfg.Endpoints {
		if !ep.IsActive {
			continue
		}
		endpointID := ep.ID
		g.Go(func() error {
			result, err := m.CheckEndpoint(gctx, tenantID, endpointID)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, *result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].EndpointID < results[j].EndpointID })
	return results, nil
}

// GetLatestResult returns the most recent stored probe result, or nil
func (m *HealthMonitor) GetLatestResult(ctx context.Context, tenantID, endpointID string) (*models.HealthCheckResult, error) {
	var result models.HealthCheckResult
	found, err := m.store.Get(ctx, kvstore.HealthKey(tenantID, endpointID), &result)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}

// GetMonitoringStatus returns a snapshot of the scheduled probes
func (m *HealthMonitor) GetMonitoringStatus() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := make([]map[string]interface{}, 0, len(m.entries))
	for endpointID, entry := range m.entries {
		next := m.cron.Entry(entry.id).Next
		endpoints = append(endpoints, map[string]interface{}{
			"endpoint_id": endpointID,
			"tenant_id":   entry.tenantID,
			"interval":    entry.interval.String(),
			"next_run":    next,
		})
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i]["endpoint_id"].(string) < endpoints[j]["endpoint_id"].(string)
	})

	return map[string]interface{}{
		"is_running":          m.running,
		"monitored_endpoints": len(m.entries),
		"probe_timeout":       m.timeout.String(),
		"endpoints":           endpoints,
	}
}

func (m *HealthMonitor) emit(ctx context.Context, event models.Event) {
	if m.events != nil {
		m.events.Emit(ctx, event)
	}
}

// cronLogger routes cron's internal logging through zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
