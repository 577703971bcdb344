package webhook

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

const (
	DeadLetterCap = 1000
	DeadLetterTTL = 24 * time.Hour
)

var (
	// ErrInvalidSignature rejects a webhook without processing it
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnknownEndpoint rejects webhooks for missing or inactive endpoints
	ErrUnknownEndpoint = errors.New("unknown or inactive endpoint")
	// ErrRetriesDisabled dead-letters failed events of tenants with webhook_retries 0
	ErrRetriesDisabled = errors.New("webhook retries disabled for tenant")
)

// EndpointLookup resolves the endpoint a webhook route is bound to and the
// tenant policy that bounds replays
type EndpointLookup interface {
	GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.Endpoint, error)
	GetConfiguration(ctx context.Context, tenantID string) (*models.TenantConfiguration, error)
}

// HandlerFunc processes one decoded event for a tenant
type HandlerFunc func(ctx context.Context, tenantID string, evt *Event) error

// RouterOptions tunes verification and replay
type RouterOptions struct {
	RequireSignature bool
	// RetryAttempts applies when the tenant policy cannot be loaded
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// RetrySubmit runs background replays of events whose handler failed.
	// It must not block: a rejected submit dead-letters the event. Nil
	// disables automatic replay.
	RetrySubmit func(task func()) error
}

// FailedWebhook is a dead-lettered event kept for inspection
type FailedWebhook struct {
	TenantID   string                 `json:"tenant_id"`
	EndpointID string                 `json:"endpoint_id"`
	Kind       Kind                   `json:"kind"`
	DeviceID   string                 `json:"device_id"`
	Payload    map[string]interface{} `json:"payload"`
	Error      string                 `json:"error"`
	Attempts   int                    `json:"attempts"`
	FailedAt   time.Time              `json:"failed_at"`
}

// Router verifies, decodes and dispatches bridge webhooks
type Router struct {
	endpoints EndpointLookup
	store     kvstore.Store
	opts      RouterOptions
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc
}

// NewRouter creates a router without handlers; register them with On
func NewRouter(endpoints EndpointLookup, store kvstore.Store, opts RouterOptions) *Router {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	return &Router{
		endpoints: endpoints,
		store:     store,
		opts:      opts,
		now:       time.Now,
		handlers:  make(map[Kind]HandlerFunc),
	}
}

// On registers the handler of a kind, replacing any previous one
func (r *Router) On(kind Kind, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Verify checks that the endpoint exists and is active and, when a
// signature is supplied or required, that it matches the body.
func (r *Router) Verify(ctx context.Context, tenantID, endpointID string, body []byte, signature string) error {
	ep, err := r.endpoints.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil || ep == nil || !ep.IsActive {
		return ErrUnknownEndpoint
	}

	if signature == "" && !r.opts.RequireSignature {
		return nil
	}
	if !VerifySignature(ep.WebhookSecret, body, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Handle processes one webhook call. Only verification failures are
// returned; malformed payloads and handler failures are logged and
// swallowed so the bridge does not retry them. Failed events are handed to
// RetrySubmit unless the handler rejected the payload as malformed.
func (r *Router) Handle(ctx context.Context, tenantID, endpointID string, body []byte, signature string) (Kind, error) {
	if err := r.Verify(ctx, tenantID, endpointID, body, signature); err != nil {
		webhooksReceivedTotal.WithLabelValues("unverified", "rejected").Inc()
		log.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("endpoint_id", endpointID).
			Msg("Webhook rejected")
		return "", err
	}

	evt, err := Decode(body, r.now())
	if err != nil {
		webhooksReceivedTotal.WithLabelValues("invalid", "dropped").Inc()
		log.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("endpoint_id", endpointID).
			Msg("Dropping malformed webhook")
		return "", nil
	}

	if err := r.Dispatch(ctx, tenantID, evt); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			webhooksReceivedTotal.WithLabelValues(string(evt.Kind), "dropped").Inc()
			log.Warn().
				Err(err).
				Str("tenant_id", tenantID).
				Str("endpoint_id", endpointID).
				Str("event_type", string(evt.Kind)).
				Msg("Dropping webhook with malformed payload")
			return evt.Kind, nil
		}

		webhooksReceivedTotal.WithLabelValues(string(evt.Kind), "failed").Inc()
		log.Error().
			Err(err).
			Str("tenant_id", tenantID).
			Str("endpoint_id", endpointID).
			Str("device_id", evt.DeviceID).
			Str("event_type", string(evt.Kind)).
			Msg("Webhook handler failed")
		r.scheduleRetry(ctx, tenantID, endpointID, evt, err)
		return evt.Kind, nil
	}

	webhooksReceivedTotal.WithLabelValues(string(evt.Kind), "processed").Inc()
	return evt.Kind, nil
}

// Dispatch runs the handler of the event's kind. A panic inside the
// handler is recovered and returned as an error.
func (r *Router) Dispatch(ctx context.Context, tenantID string, evt *Event) (err error) {
	r.mu.RLock()
	handler, ok := r.handlers[evt.Kind]
	r.mu.RUnlock()
	if !ok {
		log.Debug().Str("event_type", string(evt.Kind)).Msg("No handler registered for webhook kind")
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("tenant_id", tenantID).
				Str("event_type", string(evt.Kind)).
				Bytes("stack", debug.Stack()).
				Msgf("Panic in webhook handler: %v", rec)
			err = fmt.Errorf("webhook handler panic: %v", rec)
		}
	}()

	return handler(ctx, tenantID, evt)
}

// RetryFailedWebhook replays an event up to the tenant's webhook_retries
// times waiting 2^attempt * RetryBaseDelay between attempts. Exhausted
// events are dead-lettered. Malformed payloads are not retried.
func (r *Router) RetryFailedWebhook(ctx context.Context, tenantID, endpointID string, evt *Event) error {
	limit := r.retryLimit(ctx, tenantID)
	if limit <= 0 {
		r.deadLetter(ctx, tenantID, endpointID, evt, ErrRetriesDisabled, 0)
		return ErrRetriesDisabled
	}
	return r.replay(ctx, tenantID, endpointID, evt, limit)
}

func (r *Router) replay(ctx context.Context, tenantID, endpointID string, evt *Event, limit int) error {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= limit; attempt++ {
		attempts = attempt
		lastErr = r.Dispatch(ctx, tenantID, evt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrMalformedPayload) {
			break
		}

		log.Warn().
			Err(lastErr).
			Str("tenant_id", tenantID).
			Str("event_type", string(evt.Kind)).
			Int("attempt", attempt).
			Msg("Webhook replay failed")

		if attempt == limit {
			break
		}
		delay := r.opts.RetryBaseDelay * time.Duration(1<<uint(attempt))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			r.deadLetter(context.WithoutCancel(ctx), tenantID, endpointID, evt, lastErr, attempts)
			return lastErr
		case <-timer.C:
		}
	}

	r.deadLetter(ctx, tenantID, endpointID, evt, lastErr, attempts)
	return lastErr
}

// retryLimit resolves the tenant's webhook_retries, falling back to
// RetryAttempts when the configuration is unavailable
func (r *Router) retryLimit(ctx context.Context, tenantID string) int {
	cfg, err := r.endpoints.GetConfiguration(ctx, tenantID)
	if err != nil || cfg == nil {
		return r.opts.RetryAttempts
	}
	return cfg.WebhookRetries
}

func (r *Router) scheduleRetry(ctx context.Context, tenantID, endpointID string, evt *Event, cause error) {
	if r.opts.RetrySubmit == nil {
		return
	}
	replayCtx := context.WithoutCancel(ctx)
	limit := r.retryLimit(ctx, tenantID)
	if limit <= 0 {
		r.deadLetter(replayCtx, tenantID, endpointID, evt, fmt.Errorf("%w: %v", ErrRetriesDisabled, cause), 1)
		return
	}

	err := r.opts.RetrySubmit(func() {
		_ = r.replay(replayCtx, tenantID, endpointID, evt, limit)
	})
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Webhook replay not scheduled")
		r.deadLetter(replayCtx, tenantID, endpointID, evt, err, 1)
	}
}

// FailedWebhooks returns dead-lettered events, newest first
func (r *Router) FailedWebhooks(ctx context.Context, tenantID string, limit int) ([]FailedWebhook, error) {
	if limit <= 0 || limit > DeadLetterCap {
		limit = 100
	}
	items, err := kvstore.ListOf[FailedWebhook](ctx, r.store, kvstore.FailedWebhooksKey(tenantID), -int64(limit), -1)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (r *Router) deadLetter(ctx context.Context, tenantID, endpointID string, evt *Event, cause error, attempts int) {
	entry := FailedWebhook{
		TenantID:   tenantID,
		EndpointID: endpointID,
		Kind:       evt.Kind,
		DeviceID:   evt.DeviceID,
		Payload:    evt.Raw,
		Attempts:   attempts,
		FailedAt:   r.now(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	key := kvstore.FailedWebhooksKey(tenantID)
	if err := r.store.PushToList(ctx, key, entry, DeadLetterCap); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to dead-letter webhook")
		return
	}
	if err := r.store.Expire(ctx, key, DeadLetterTTL); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to set dead-letter TTL")
	}
	webhooksReceivedTotal.WithLabelValues(string(evt.Kind), "dead_lettered").Inc()
}
