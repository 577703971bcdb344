package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/bridge/bridgetest"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/internal/kvstore/kvstoretest"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// fakeBridges hands out one fake per endpoint API URL
type fakeBridges struct {
	mu    sync.Mutex
	fakes map[string]*bridgetest.Fake
}

func newFakeBridges() *fakeBridges {
	return &fakeBridges{fakes: make(map[string]*bridgetest.Fake)}
}

func (f *fakeBridges) get(apiURL string) *bridgetest.Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	fake, ok := f.fakes[apiURL]
	if !ok {
		fake = bridgetest.New()
		f.fakes[apiURL] = fake
	}
	return fake
}

func (f *fakeBridges) factory(ep models.Endpoint, timeout time.Duration) bridge.API {
	return f.get(ep.APIURL)
}

type recordingMonitor struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{started: make(map[string]int), stopped: make(map[string]int)}
}

func (m *recordingMonitor) StartMonitoring(tenantID, endpointID string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[endpointID]++
}

func (m *recordingMonitor) StopMonitoring(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[endpointID]++
}

type captureEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureEmitter) Emit(ctx context.Context, event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	store    kvstore.Store
	bridges  *fakeBridges
	registry *EndpointRegistry
	monitor  *recordingMonitor
	emitter  *captureEmitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, _ := kvstoretest.New(t)
	bridges := newFakeBridges()
	registry := NewEndpointRegistry(store, kvstore.NewLocker(), bridges.factory, DefaultRegistryDefaults())
	monitor := newRecordingMonitor()
	registry.SetMonitor(monitor)

	return &testEnv{
		store:    store,
		bridges:  bridges,
		registry: registry,
		monitor:  monitor,
		emitter:  &captureEmitter{},
	}
}

func (e *testEnv) addEndpoint(t *testing.T, tenantID, name string, primary bool) *models.Endpoint {
	t.Helper()
	ep, err := e.registry.AddEndpoint(context.Background(), tenantID, models.EndpointSpec{
		Name:          name,
		APIURL:        "http://" + name + ".bridge.local",
		APIKey:        "key-" + name,
		WebhookSecret: "secret-" + name,
		IsPrimary:     primary,
	})
	if err != nil {
		t.Fatalf("AddEndpoint(%s) failed: %v", name, err)
	}
	return ep
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
