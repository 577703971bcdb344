// Package events records connectivity events for operational visibility and
// fans them out to in-process subscribers and an optional broker.
package events

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

const (
	// Topic is the in-process bus topic every event is published on
	Topic = "whatsapp:event"

	TenantListCap = 1000
	TenantListTTL = time.Hour
	GlobalListCap = 10000
)

// Emitter is the narrow interface services depend on
type Emitter interface {
	Emit(ctx context.Context, event models.Event)
}

// Publisher forwards events outside the process
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Recorder persists events into capped lists and fans them out
type Recorder struct {
	store     kvstore.Store
	bus       EventBus.Bus
	publisher Publisher
	now       func() time.Time
}

// NewRecorder creates a recorder; publisher may be nil
func NewRecorder(store kvstore.Store, publisher Publisher) *Recorder {
	return &Recorder{
		store:     store,
		bus:       EventBus.New(),
		publisher: publisher,
		now:       time.Now,
	}
}

// Emit never fails the caller: storage and fan-out errors are logged.
func (r *Recorder) Emit(ctx context.Context, event models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}

	if event.TenantID != "" {
		key := kvstore.TenantEventsKey(event.TenantID)
		if err := r.store.PushToList(ctx, key, event, TenantListCap); err != nil {
			log.Warn().Err(err).Str("tenant_id", event.TenantID).Str("event_type", event.Type).Msg("Failed to record tenant event")
		} else if err := r.store.Expire(ctx, key, TenantListTTL); err != nil {
			log.Warn().Err(err).Str("tenant_id", event.TenantID).Msg("Failed to refresh tenant event TTL")
		}
	}

	if err := r.store.PushToList(ctx, kvstore.GlobalEventsKey, event, GlobalListCap); err != nil {
		log.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to record global event")
	}

	r.bus.Publish(Topic, event)

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to publish event to broker")
		}
	}
}

// Subscribe registers fn to receive every emitted event asynchronously
func (r *Recorder) Subscribe(fn func(models.Event)) error {
	return r.bus.SubscribeAsync(Topic, fn, false)
}

// Unsubscribe removes a handler registered with Subscribe
func (r *Recorder) Unsubscribe(fn func(models.Event)) error {
	return r.bus.Unsubscribe(Topic, fn)
}

// Wait blocks until asynchronous subscribers have drained
func (r *Recorder) Wait() {
	r.bus.WaitAsync()
}

// ListTenant returns up to limit of the newest tenant events, newest first
func (r *Recorder) ListTenant(ctx context.Context, tenantID string, limit int) ([]models.Event, error) {
	return r.list(ctx, kvstore.TenantEventsKey(tenantID), limit)
}

// ListGlobal returns up to limit of the newest events across tenants, newest first
func (r *Recorder) ListGlobal(ctx context.Context, limit int) ([]models.Event, error) {
	return r.list(ctx, kvstore.GlobalEventsKey, limit)
}

func (r *Recorder) list(ctx context.Context, key string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	events, err := kvstore.ListOf[models.Event](ctx, r.store, key, -int64(limit), -1)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
