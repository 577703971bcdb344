package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/internal/kvstore/kvstoretest"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func TestRecorder_EmitStoresTenantAndGlobal(t *testing.T) {
	store, server := kvstoretest.New(t)
	publisher := &capturePublisher{}
	recorder := NewRecorder(store, publisher)
	ctx := context.Background()

	recorder.Emit(ctx, models.Event{Type: models.EventDeviceConnected, TenantID: "t1", DeviceID: "d1"})
	recorder.Emit(ctx, models.Event{Type: models.EventMessageReceived, TenantID: "t1"})
	recorder.Emit(ctx, models.Event{Type: models.EventMessageReceived, TenantID: "t2"})

	tenantEvents, err := recorder.ListTenant(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, tenantEvents, 2)
	assert.Equal(t, models.EventMessageReceived, tenantEvents[0].Type, "newest first")
	assert.NotEmpty(t, tenantEvents[0].ID)
	assert.False(t, tenantEvents[0].Timestamp.IsZero())

	global, err := recorder.ListGlobal(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, global, 3)

	assert.Equal(t, TenantListTTL, server.TTL(kvstore.TenantEventsKey("t1")))
	assert.Equal(t, time.Duration(0), server.TTL(kvstore.GlobalEventsKey))
	assert.Len(t, publisher.events, 3)
}

func TestRecorder_TenantListIsCapped(t *testing.T) {
	store, _ := kvstoretest.New(t)
	recorder := NewRecorder(store, nil)
	ctx := context.Background()

	for i := 0; i < TenantListCap+25; i++ {
		recorder.Emit(ctx, models.Event{Type: models.EventEndpointHealth, TenantID: "t1"})
	}

	events, err := kvstore.ListOf[models.Event](ctx, store, kvstore.TenantEventsKey("t1"), 0, -1)
	require.NoError(t, err)
	assert.Len(t, events, TenantListCap)
}

func TestRecorder_SubscribersReceiveEvents(t *testing.T) {
	store, _ := kvstoretest.New(t)
	recorder := NewRecorder(store, nil)

	var (
		mu       sync.Mutex
		received []string
	)
	handler := func(event models.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event.Type)
	}
	require.NoError(t, recorder.Subscribe(handler))

	recorder.Emit(context.Background(), models.Event{Type: models.EventEndpointFailover, TenantID: "t1"})
	recorder.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{models.EventEndpointFailover}, received)
}

func TestNATSPublisher_Subject(t *testing.T) {
	publisher := NewNATSPublisherFromConn(nil, "")

	assert.Equal(t, "whatsapp.events.t1.message.received",
		publisher.Subject(models.Event{TenantID: "t1", Type: models.EventMessageReceived}))
	assert.Equal(t, "whatsapp.events.global.endpoint.health",
		publisher.Subject(models.Event{Type: models.EventEndpointHealth}))
}
