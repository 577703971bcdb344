package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// ClientFactory builds a bridge client for an endpoint
type ClientFactory func(endpoint models.Endpoint, timeout time.Duration) bridge.API

// EndpointMonitor is notified when an endpoint starts or stops needing probes
type EndpointMonitor interface {
	StartMonitoring(tenantID, endpointID string, interval time.Duration)
	StopMonitoring(endpointID string)
}

// RegistryDefaults is the policy applied to newly initialized tenants
type RegistryDefaults struct {
	AutoReconnect       bool
	HealthCheckInterval time.Duration
	FailoverEnabled     bool
	WebhookRetries      int
	MessageTimeout      time.Duration
}

// DefaultRegistryDefaults returns the stock tenant policy
func DefaultRegistryDefaults() RegistryDefaults {
	return RegistryDefaults{
		AutoReconnect:       true,
		HealthCheckInterval: 60 * time.Second,
		FailoverEnabled:     true,
		WebhookRetries:      3,
		MessageTimeout:      30 * time.Second,
	}
}

// EndpointRegistry holds per-tenant endpoint configuration and resolves
// bridge clients for it.
type EndpointRegistry struct {
	store    kvstore.Store
	locker   *kvstore.Locker
	factory  ClientFactory
	defaults RegistryDefaults
	monitor  EndpointMonitor
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]bridge.API
}

// NewEndpointRegistry creates a registry backed by store
func NewEndpointRegistry(store kvstore.Store, locker *kvstore.Locker, factory ClientFactory, defaults RegistryDefaults) *EndpointRegistry {
	if locker == nil {
		locker = kvstore.NewLocker()
	}
	return &EndpointRegistry{
		store:    store,
		locker:   locker,
		factory:  factory,
		defaults: defaults,
		now:      time.Now,
		clients:  make(map[string]bridge.API),
	}
}

// SetMonitor attaches the health monitor notified about endpoint lifecycle
func (r *EndpointRegistry) SetMonitor(monitor EndpointMonitor) {
	r.monitor = monitor
}

// InitializeTenant creates the tenant configuration if it does not exist yet
func (r *EndpointRegistry) InitializeTenant(ctx context.Context, tenantID string) (*models.TenantConfiguration, error) {
	unlock := r.locker.Lock(kvstore.TenantConfigKey(tenantID))
	defer unlock()

	cfg, err := r.loadOrInit(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfiguration returns the tenant configuration
func (r *EndpointRegistry) GetConfiguration(ctx context.Context, tenantID string) (*models.TenantConfiguration, error) {
	cfg, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrTenantNotConfigured
	}
	return cfg, nil
}

// ListTenants returns every tenant that has been initialized
func (r *EndpointRegistry) ListTenants(ctx context.Context) ([]string, error) {
	tenants, err := r.store.GetSet(ctx, kvstore.TenantsKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(tenants)
	return tenants, nil
}

// UpdatePolicy merges policy fields into the tenant configuration
func (r *EndpointRegistry) UpdatePolicy(ctx context.Context, tenantID string, update models.PolicyUpdate) (*models.TenantConfiguration, error) {
	var intervalChanged bool

	cfg, err := r.mutate(ctx, tenantID, false, func(cfg *models.TenantConfiguration) error {
		if update.AutoReconnect != nil {
			cfg.AutoReconnect = *update.AutoReconnect
		}
		if update.HealthCheckInterval != nil && *update.HealthCheckInterval != cfg.HealthCheckInterval {
			cfg.HealthCheckInterval = *update.HealthCheckInterval
			intervalChanged = true
		}
		if update.FailoverEnabled != nil {
			cfg.FailoverEnabled = *update.FailoverEnabled
		}
		if update.WebhookRetries != nil {
			cfg.WebhookRetries = *update.WebhookRetries
		}
		if update.MessageTimeout != nil {
			cfg.MessageTimeout = *update.MessageTimeout
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.InvalidateTenant(tenantID)

	if intervalChanged && r.monitor != nil {
		for _, ep := range cfg.Endpoints {
			if ep.IsActive {
				r.monitor.StartMonitoring(tenantID, ep.ID, cfg.HealthCheckEvery())
			}
		}
	}
	return cfg, nil
}

// AddEndpoint registers a new endpoint for the tenant and starts monitoring it
func (r *EndpointRegistry) AddEndpoint(ctx context.Context, tenantID string, spec models.EndpointSpec) (*models.Endpoint, error) {
	now := r.now()
	endpoint := models.Endpoint{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Name:          spec.Name,
		APIURL:        spec.APIURL,
		APIKey:        spec.APIKey,
		WebhookURL:    spec.WebhookURL,
		WebhookSecret: spec.WebhookSecret,
		IsActive:      true,
		HealthStatus:  models.HealthStatusUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if spec.IsActive != nil {
		endpoint.IsActive = *spec.IsActive
	}

	cfg, err := r.mutate(ctx, tenantID, true, func(cfg *models.TenantConfiguration) error {
		if len(cfg.Endpoints) == 0 || spec.IsPrimary {
			demoteAll(cfg)
			endpoint.IsPrimary = true
		}
		cfg.Endpoints = append(cfg.Endpoints, endpoint)
		ensurePrimary(cfg, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	added := cfg.Endpoint(endpoint.ID)
	log.Info().
		Str("tenant_id", tenantID).
		Str("endpoint_id", added.ID).
		Bool("is_primary", added.IsPrimary).
		Msg("WhatsApp endpoint added")

	if added.IsActive && r.monitor != nil {
		r.monitor.StartMonitoring(tenantID, added.ID, cfg.HealthCheckEvery())
	}

	result := *added
	return &result, nil
}

// UpdateEndpoint merges updates into an endpoint and drops the tenant's cached clients
func (r *EndpointRegistry) UpdateEndpoint(ctx context.Context, tenantID, endpointID string, update models.EndpointUpdate) (*models.Endpoint, error) {
	cfg, err := r.mutate(ctx, tenantID, false, func(cfg *models.TenantConfiguration) error {
		ep := cfg.Endpoint(endpointID)
		if ep == nil {
			return ErrEndpointNotFound
		}

		if update.Name != nil {
			ep.Name = *update.Name
		}
		if update.APIURL != nil {
			ep.APIURL = *update.APIURL
		}
		if update.APIKey != nil {
			ep.APIKey = *update.APIKey
		}
		if update.WebhookURL != nil {
			ep.WebhookURL = *update.WebhookURL
		}
		if update.WebhookSecret != nil {
			ep.WebhookSecret = *update.WebhookSecret
		}
		if update.IsActive != nil {
			ep.IsActive = *update.IsActive
		}
		ep.UpdatedAt = r.now()

		avoid := ""
		if update.IsPrimary != nil {
			if *update.IsPrimary {
				demoteAll(cfg)
				ep = cfg.Endpoint(endpointID)
				ep.IsPrimary = true
			} else if ep.IsPrimary {
				ep.IsPrimary = false
				avoid = endpointID
			}
		}
		ensurePrimary(cfg, avoid)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.InvalidateTenant(tenantID)

	updated := cfg.Endpoint(endpointID)
	if r.monitor != nil {
		if updated.IsActive {
			r.monitor.StartMonitoring(tenantID, endpointID, cfg.HealthCheckEvery())
		} else {
			r.monitor.StopMonitoring(endpointID)
		}
	}

	result := *updated
	return &result, nil
}

// RemoveEndpoint deletes an endpoint, promoting the first remaining one when it was primary
func (r *EndpointRegistry) RemoveEndpoint(ctx context.Context, tenantID, endpointID string) error {
	_, err := r.mutate(ctx, tenantID, false, func(cfg *models.TenantConfiguration) error {
		idx := -1
		for i := range cfg.Endpoints {
			if cfg.Endpoints[i].ID == endpointID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrEndpointNotFound
		}

		wasPrimary := cfg.Endpoints[idx].IsPrimary
		cfg.Endpoints = append(cfg.Endpoints[:idx], cfg.Endpoints[idx+1:]...)

		if wasPrimary && len(cfg.Endpoints) > 0 {
			cfg.Endpoints[0].IsPrimary = true
		}
		ensurePrimary(cfg, "")
		return nil
	})
	if err != nil {
		return err
	}

	if r.monitor != nil {
		r.monitor.StopMonitoring(endpointID)
	}
	r.evict(tenantID, endpointID)

	if err := r.store.Delete(ctx, kvstore.HealthKey(tenantID, endpointID)); err != nil {
		log.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to delete endpoint health record")
	}

	log.Info().Str("tenant_id", tenantID).Str("endpoint_id", endpointID).Msg("WhatsApp endpoint removed")
	return nil
}

// GetEndpoint returns a copy of one endpoint
func (r *EndpointRegistry) GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.Endpoint, error) {
	cfg, err := r.GetConfiguration(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ep := cfg.Endpoint(endpointID)
	if ep == nil {
		return nil, ErrEndpointNotFound
	}
	result := *ep
	return &result, nil
}

// GetClient resolves a client for endpointID, or for the active primary
// (falling back to any active endpoint) when endpointID is empty.
func (r *EndpointRegistry) GetClient(ctx context.Context, tenantID, endpointID string) (bridge.API, *models.Endpoint, error) {
	cfg, err := r.GetConfiguration(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	var ep *models.Endpoint
	if endpointID != "" {
		ep = cfg.Endpoint(endpointID)
		if ep == nil {
			return nil, nil, ErrEndpointNotFound
		}
		if !ep.IsActive {
			return nil, nil, ErrEndpointInactive
		}
	} else {
		ep = activePrimaryOrAny(cfg)
		if ep == nil {
			return nil, nil, ErrNoActiveEndpoint
		}
	}

	result := *ep
	return r.ClientFor(cfg, result), &result, nil
}

// GetHealthyClient prefers a healthy primary, then any healthy active endpoint,
// and finally falls back to the primary even when it is not known healthy.
func (r *EndpointRegistry) GetHealthyClient(ctx context.Context, tenantID string) (bridge.API, *models.Endpoint, error) {
	cfg, err := r.GetConfiguration(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	var chosen *models.Endpoint
	if p := cfg.Primary(); p != nil && p.IsActive && p.HealthStatus == models.HealthStatusHealthy {
		chosen = p
	}
	if chosen == nil {
		for i := range cfg.Endpoints {
			ep := &cfg.Endpoints[i]
			if ep.IsActive && ep.HealthStatus == models.HealthStatusHealthy {
				chosen = ep
				break
			}
		}
	}
	if chosen == nil {
		chosen = activePrimaryOrAny(cfg)
	}
	if chosen == nil {
		return nil, nil, ErrNoActiveEndpoint
	}

	result := *chosen
	return r.ClientFor(cfg, result), &result, nil
}

// ClientFor returns the cached client of an endpoint, building it on first use
func (r *EndpointRegistry) ClientFor(cfg *models.TenantConfiguration, ep models.Endpoint) bridge.API {
	key := clientKey(cfg.TenantID, ep.ID)

	r.mu.RLock()
	client, ok := r.clients[key]
	r.mu.RUnlock()
	if ok {
		return client
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[key]; ok {
		return client
	}

	client = r.factory(ep, cfg.RequestTimeout())
	r.clients[key] = client
	return client
}

// RecordHealth stores the latest probe outcome on the endpoint
func (r *EndpointRegistry) RecordHealth(ctx context.Context, tenantID, endpointID string, status models.HealthStatus, checkedAt time.Time) (*models.TenantConfiguration, error) {
	return r.mutate(ctx, tenantID, false, func(cfg *models.TenantConfiguration) error {
		ep := cfg.Endpoint(endpointID)
		if ep == nil {
			return ErrEndpointNotFound
		}
		ep.HealthStatus = status
		ep.LastHealthCheck = &checkedAt
		return nil
	})
}

// Failover demotes failedID and promotes a healthy active endpoint in a single
// write. It returns nil when failedID is no longer primary or no candidate exists.
func (r *EndpointRegistry) Failover(ctx context.Context, tenantID, failedID string) (*models.Endpoint, error) {
	var promoted *models.Endpoint

	_, err := r.mutate(ctx, tenantID, false, func(cfg *models.TenantConfiguration) error {
		failed := cfg.Endpoint(failedID)
		if failed == nil || !failed.IsPrimary {
			return nil
		}

		var candidate *models.Endpoint
		for i := range cfg.Endpoints {
			ep := &cfg.Endpoints[i]
			if ep.ID != failedID && ep.IsActive && ep.HealthStatus == models.HealthStatusHealthy {
				candidate = ep
				break
			}
		}
		if candidate == nil {
			return nil
		}

		now := r.now()
		failed.IsPrimary = false
		failed.UpdatedAt = now
		candidate.IsPrimary = true
		candidate.UpdatedAt = now
		cfg.PrimaryEndpointID = candidate.ID

		result := *candidate
		promoted = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// InvalidateTenant drops every cached client of the tenant
func (r *EndpointRegistry) InvalidateTenant(tenantID string) {
	prefix := tenantID + ":"

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.clients {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.clients, key)
		}
	}
}

// Shutdown drops every cached client
func (r *EndpointRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]bridge.API)
}

// CachedClients returns the number of cached clients
func (r *EndpointRegistry) CachedClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *EndpointRegistry) evict(tenantID, endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientKey(tenantID, endpointID))
}

// mutate runs fn on the tenant configuration under the tenant's lock and
// persists the result. With create set, a missing configuration is initialized.
func (r *EndpointRegistry) mutate(ctx context.Context, tenantID string, create bool, fn func(cfg *models.TenantConfiguration) error) (*models.TenantConfiguration, error) {
	unlock := r.locker.Lock(kvstore.TenantConfigKey(tenantID))
	defer unlock()

	var (
		cfg *models.TenantConfiguration
		err error
	)
	if create {
		cfg, err = r.loadOrInit(ctx, tenantID)
	} else {
		cfg, err = r.load(ctx, tenantID)
		if err == nil && cfg == nil {
			err = ErrTenantNotConfigured
		}
	}
	if err != nil {
		return nil, err
	}

	if err := fn(cfg); err != nil {
		return nil, err
	}

	cfg.UpdatedAt = r.now()
	if err := r.save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *EndpointRegistry) load(ctx context.Context, tenantID string) (*models.TenantConfiguration, error) {
	var cfg models.TenantConfiguration
	found, err := r.store.Get(ctx, kvstore.TenantConfigKey(tenantID), &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant configuration: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &cfg, nil
}

func (r *EndpointRegistry) loadOrInit(ctx context.Context, tenantID string) (*models.TenantConfiguration, error) {
	cfg, err := r.load(ctx, tenantID)
	if err != nil || cfg != nil {
		return cfg, err
	}

	now := r.now()
	cfg = &models.TenantConfiguration{
		TenantID:            tenantID,
		Endpoints:           []models.Endpoint{},
		AutoReconnect:       r.defaults.AutoReconnect,
		HealthCheckInterval: int(r.defaults.HealthCheckInterval / time.Second),
		FailoverEnabled:     r.defaults.FailoverEnabled,
		WebhookRetries:      r.defaults.WebhookRetries,
		MessageTimeout:      int(r.defaults.MessageTimeout / time.Second),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := r.save(ctx, cfg); err != nil {
		return nil, err
	}
	if err := r.store.AddToSet(ctx, kvstore.TenantsKey, tenantID); err != nil {
		return nil, err
	}

	log.Info().Str("tenant_id", tenantID).Msg("WhatsApp tenant configuration initialized")
	return cfg, nil
}

func (r *EndpointRegistry) save(ctx context.Context, cfg *models.TenantConfiguration) error {
	if err := r.store.Set(ctx, kvstore.TenantConfigKey(cfg.TenantID), cfg, 0); err != nil {
		return fmt.Errorf("failed to save tenant configuration: %w", err)
	}
	return nil
}

func clientKey(tenantID, endpointID string) string {
	return tenantID + ":" + endpointID
}

func demoteAll(cfg *models.TenantConfiguration) {
	for i := range cfg.Endpoints {
		cfg.Endpoints[i].IsPrimary = false
	}
}

func activePrimaryOrAny(cfg *models.TenantConfiguration) *models.Endpoint {
	if p := cfg.Primary(); p != nil && p.IsActive {
		return p
	}
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].IsActive {
			return &cfg.Endpoints[i]
		}
	}
	return nil
}

// ensurePrimary leaves at most one primary and, when any endpoint is active,
// exactly one active primary. avoid is skipped when choosing a replacement
// unless it is the only active endpoint.
func ensurePrimary(cfg *models.TenantConfiguration, avoid string) {
	var winner *models.Endpoint
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if !ep.IsPrimary || !ep.IsActive {
			continue
		}
		if winner == nil {
			winner = ep
		} else {
			ep.IsPrimary = false
		}
	}

	if winner == nil {
		for i := range cfg.Endpoints {
			if cfg.Endpoints[i].IsActive && cfg.Endpoints[i].ID != avoid {
				winner = &cfg.Endpoints[i]
				break
			}
		}
		if winner == nil {
			for i := range cfg.Endpoints {
				if cfg.Endpoints[i].IsActive {
					winner = &cfg.Endpoints[i]
					break
				}
			}
		}
	}

	if winner != nil {
		for i := range cfg.Endpoints {
			cfg.Endpoints[i].IsPrimary = cfg.Endpoints[i].ID == winner.ID
		}
		cfg.PrimaryEndpointID = winner.ID
		return
	}

	// No active endpoints: keep the first flagged one, if any.
	cfg.PrimaryEndpointID = ""
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if !ep.IsPrimary {
			continue
		}
		if cfg.PrimaryEndpointID == "" {
			cfg.PrimaryEndpointID = ep.ID
		} else {
			ep.IsPrimary = false
		}
	}
}
