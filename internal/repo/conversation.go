package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

const conversationStatusActive = "active"

// ConversationRepository handles conversation data access.
// Conversations are keyed by (tenant, normalized phone) with an id index.
type ConversationRepository struct {
	store  kvstore.Store
	locker *kvstore.Locker
	now    func() time.Time
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(store kvstore.Store, locker *kvstore.Locker) *ConversationRepository {
	if locker == nil {
		locker = kvstore.NewLocker()
	}
	return &ConversationRepository{store: store, locker: locker, now: time.Now}
}

// CreateOrUpdate returns the conversation of a phone, creating it on first
// contact. A non-empty name replaces the stored customer name.
func (r *ConversationRepository) CreateOrUpdate(ctx context.Context, tenantID, phone, name string) (*models.Conversation, error) {
	phone = bridge.FormatPhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("conversation requires a customer phone")
	}

	key := kvstore.ConversationKey(tenantID, phone)
	unlock := r.locker.Lock(key)
	defer unlock()

	var conv models.Conversation
	found, err := r.store.Get(ctx, key, &conv)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	now := r.now()
	if found {
		if name == "" || name == conv.CustomerName {
			return &conv, nil
		}
		conv.CustomerName = name
		conv.UpdatedAt = now
		if err := r.store.Set(ctx, key, &conv, 0); err != nil {
			return nil, fmt.Errorf("failed to save conversation: %w", err)
		}
		return &conv, nil
	}

	conv = models.Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		CustomerPhone: phone,
		CustomerName:  name,
		Status:        conversationStatusActive,
		Tags:          []string{},
		Metadata:      map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.Set(ctx, key, &conv, 0); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	if err := r.store.Set(ctx, kvstore.ConversationIndexKey(conv.ID), key, 0); err != nil {
		return nil, fmt.Errorf("failed to index conversation: %w", err)
	}
	if err := r.store.AddToSet(ctx, kvstore.TenantConversationsKey(tenantID), conv.ID); err != nil {
		return nil, fmt.Errorf("failed to index conversation: %w", err)
	}
	return &conv, nil
}

// GetByID resolves a conversation through the id index
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	key, err := r.storageKey(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, key)
}

// GetByIDAndTenant gets a conversation by id, scoped to a tenant
func (r *ConversationRepository) GetByIDAndTenant(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// GetByPhone gets the conversation of a phone; JID suffixes are ignored
func (r *ConversationRepository) GetByPhone(ctx context.Context, tenantID, phone string) (*models.Conversation, error) {
	return r.load(ctx, kvstore.ConversationKey(tenantID, bridge.FormatPhone(phone)))
}

// Update merges patch into the conversation and bumps UpdatedAt
func (r *ConversationRepository) Update(ctx context.Context, id string, patch models.ConversationUpdate) (*models.Conversation, error) {
	key, err := r.storageKey(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := r.locker.Lock(key)
	defer unlock()

	conv, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if patch.CustomerName != nil {
		conv.CustomerName = *patch.CustomerName
	}
	if patch.LastMessageAt != nil {
		at := *patch.LastMessageAt
		conv.LastMessageAt = &at
	}
	if patch.LastMessagePreview != nil {
		conv.LastMessagePreview = *patch.LastMessagePreview
	}
	if patch.UnreadCount != nil {
		conv.UnreadCount = *patch.UnreadCount
	}
	conv.UnreadCount += patch.UnreadDelta
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	if patch.Status != nil {
		conv.Status = *patch.Status
	}
	if patch.Tags != nil {
		conv.Tags = patch.Tags
	}
	if len(patch.Metadata) > 0 {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			conv.Metadata[k] = v
		}
	}
	conv.UpdatedAt = r.now()

	if err := r.store.Set(ctx, key, conv, 0); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	return conv, nil
}

// MarkRead zeroes the unread counter
func (r *ConversationRepository) MarkRead(ctx context.Context, id string) (*models.Conversation, error) {
	zero := 0
	return r.Update(ctx, id, models.ConversationUpdate{UnreadCount: &zero})
}

// ListByTenant returns the tenant's conversations, most recent activity first
func (r *ConversationRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.Conversation, error) {
	ids, err := r.store.GetSet(ctx, kvstore.TenantConversationsKey(tenantID))
	if err != nil {
		return nil, err
	}

	conversations := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.GetByID(ctx, id)
		if errors.Is(err, ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return activity(conversations[i]).After(activity(conversations[j]))
	})
	return conversations, nil
}

func activity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (r *ConversationRepository) storageKey(ctx context.Context, id string) (string, error) {
	var key string
	found, err := r.store.Get(ctx, kvstore.ConversationIndexKey(id), &key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if !found {
		return "", ErrConversationNotFound
	}
	return key, nil
}

func (r *ConversationRepository) load(ctx context.Context, key string) (*models.Conversation, error) {
	var conv models.Conversation
	found, err := r.store.Get(ctx, key, &conv)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if !found {
		return nil, ErrConversationNotFound
	}
	return &conv, nil
}
