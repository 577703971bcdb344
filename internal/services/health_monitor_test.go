package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/pkg/models"
)

type memoryHistory struct {
	mu      sync.Mutex
	results []models.HealthCheckResult
}

func (h *memoryHistory) Save(ctx context.Context, result models.HealthCheckResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, result)
	return nil
}

func newTestMonitor(env *testEnv, history HealthHistory) *HealthMonitor {
	return NewHealthMonitor(env.registry, env.store, history, env.emitter, time.Second, 4)
}

func TestHealthMonitor_FailoverToHealthyBackup(t *testing.T) {
	env := newTestEnv(t)
	history := &memoryHistory{}
	monitor := newTestMonitor(env, history)
	ctx := context.Background()

	a := env.addEndpoint(t, "t1", "a", false)
	b := env.addEndpoint(t, "t1", "b", false)

	results, err := monitor.CheckTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.HealthStatusHealthy, r.Status)
	}

	env.bridges.get(a.APIURL).SetHealthy(false)

	result, err := monitor.CheckEndpoint(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)

	cfg, err := env.registry.GetConfiguration(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, cfg.Endpoint(a.ID).IsPrimary)
	assert.True(t, cfg.Endpoint(b.ID).IsPrimary)
	assert.Equal(t, models.HealthStatusUnhealthy, cfg.Endpoint(a.ID).HealthStatus)
	require.NotNil(t, cfg.Endpoint(a.ID).LastHealthCheck)

	assert.Contains(t, env.emitter.types(), models.EventEndpointFailover)
	assert.Len(t, history.results, 3)

	latest, err := monitor.GetLatestResult(ctx, "t1", a.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.HealthStatusUnhealthy, latest.Status)
}

func TestHealthMonitor_NoFailoverWithoutCandidate(t *testing.T) {
	env := newTestEnv(t)
	monitor := newTestMonitor(env, nil)
	ctx := context.Background()

	a := env.addEndpoint(t, "t1", "a", false)
	b := env.addEndpoint(t, "t1", "b", false)

	env.bridges.get(a.APIURL).SetHealthy(false)
	env.bridges.get(b.APIURL).SetHealthy(false)

	_, err := monitor.CheckTenant(ctx, "t1")
	require.NoError(t, err)

	cfg, err := env.registry.GetConfiguration(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cfg.Endpoint(a.ID).IsPrimary, "tenant stays degraded on the old primary")
	assert.NotContains(t, env.emitter.types(), models.EventEndpointFailover)
}

func TestHealthMonitor_FailoverDisabledByPolicy(t *testing.T) {
	env := newTestEnv(t)
	monitor := newTestMonitor(env, nil)
	ctx := context.Background()

	a := env.addEndpoint(t, "t1", "a", false)
	env.addEndpoint(t, "t1", "b", false)
	_, err := env.registry.UpdatePolicy(ctx, "t1", models.PolicyUpdate{FailoverEnabled: boolPtr(false)})
	require.NoError(t, err)

	_, err = monitor.CheckTenant(ctx, "t1")
	require.NoError(t, err)

	env.bridges.get(a.APIURL).SetHealthy(false)
	_, err = monitor.CheckEndpoint(ctx, "t1", a.ID)
	require.NoError(t, err)

	cfg, err := env.registry.GetConfiguration(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cfg.Endpoint(a.ID).IsPrimary)
}

func TestHealthMonitor_StartMonitoringIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	monitor := newTestMonitor(env, nil)

	monitor.StartMonitoring("t1", "ep1", time.Minute)
	monitor.StartMonitoring("t1", "ep1", 30*time.Second)
	monitor.StartMonitoring("t1", "ep2", time.Minute)

	assert.Equal(t, 2, monitor.MonitoredCount())
	assert.Len(t, monitor.cron.Entries(), 2)

	monitor.StopMonitoring("ep1")
	monitor.StopMonitoring("ep1")
	assert.False(t, monitor.IsMonitoring("ep1"))
	assert.True(t, monitor.IsMonitoring("ep2"))
	assert.Len(t, monitor.cron.Entries(), 1)
}

func TestHealthMonitor_ResumeAllAndStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.addEndpoint(t, "t1", "a", false)
	b := env.addEndpoint(t, "t1", "b", false)
	c := env.addEndpoint(t, "t2", "c", false)
	_, err := env.registry.UpdateEndpoint(ctx, "t1", b.ID, models.EndpointUpdate{IsActive: boolPtr(false)})
	require.NoError(t, err)

	monitor := newTestMonitor(env, nil)
	monitor.Start(ctx)

	assert.True(t, monitor.IsMonitoring(a.ID))
	assert.False(t, monitor.IsMonitoring(b.ID))
	assert.True(t, monitor.IsMonitoring(c.ID))

	status := monitor.GetMonitoringStatus()
	assert.Equal(t, true, status["is_running"])
	assert.Equal(t, 2, status["monitored_endpoints"])

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	monitor.Stop(stopCtx)
	assert.Equal(t, 0, monitor.MonitoredCount())
}

func TestHealthMonitor_ScheduledProbeStopsForRemovedEndpoint(t *testing.T) {
	env := newTestEnv(t)
	monitor := newTestMonitor(env, nil)

	a := env.addEndpoint(t, "t1", "a", false)
	monitor.StartMonitoring("t1", a.ID, time.Minute)
	require.NoError(t, env.registry.RemoveEndpoint(context.Background(), "t1", a.ID))

	monitor.runScheduledProbe("t1", a.ID)
	assert.False(t, monitor.IsMonitoring(a.ID))
}
