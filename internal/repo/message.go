package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// ConversationMessageCap bounds the per-conversation message id list
const ConversationMessageCap = 1000

// MessageRepository handles message data access
type MessageRepository struct {
	store  kvstore.Store
	locker *kvstore.Locker
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(store kvstore.Store, locker *kvstore.Locker) *MessageRepository {
	if locker == nil {
		locker = kvstore.NewLocker()
	}
	return &MessageRepository{store: store, locker: locker}
}

// Store writes the message and appends it to its conversation. Storing an
// id that already exists for the same tenant leaves the record and the list
// untouched and reports created=false.
func (r *MessageRepository) Store(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = models.DeliveryStatusSent
	}

	key := kvstore.MessageKey(msg.TenantID, msg.ID)
	unlock := r.locker.Lock(key)
	defer unlock()

	var existing models.Message
	found, err := r.store.Get(ctx, key, &existing)
	if err != nil {
		return false, fmt.Errorf("failed to load message: %w", err)
	}
	if found {
		return false, nil
	}

	if err := r.store.Set(ctx, key, msg, 0); err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	if msg.ConversationID != "" {
		listKey := kvstore.ConversationMessagesKey(msg.ConversationID)
		if err := r.store.PushToList(ctx, listKey, msg.ID, ConversationMessageCap); err != nil {
			return true, fmt.Errorf("failed to append message to conversation: %w", err)
		}
	}
	return true, nil
}

// GetByID gets a tenant's message by id
func (r *MessageRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Message, error) {
	var msg models.Message
	found, err := r.store.Get(ctx, kvstore.MessageKey(tenantID, id), &msg)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if !found {
		return nil, ErrMessageNotFound
	}
	return &msg, nil
}

// UpdateStatus advances the delivery status of a message. Lower or equal
// statuses are ignored and timestamps already set are kept, so repeated
// receipts are harmless. changed reports whether anything was written.
func (r *MessageRepository) UpdateStatus(ctx context.Context, tenantID, id string, status models.DeliveryStatus, at time.Time) (*models.Message, bool, error) {
	if status.Rank() == 0 {
		return nil, false, fmt.Errorf("unknown delivery status %q", status)
	}

	key := kvstore.MessageKey(tenantID, id)
	unlock := r.locker.Lock(key)
	defer unlock()

	msg, err := r.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, false, err
	}

	changed := false
	if status.Rank() > msg.DeliveryStatus.Rank() {
		msg.DeliveryStatus = status
		changed = true
	}
	if status.Rank() >= models.DeliveryStatusDelivered.Rank() && msg.DeliveredAt == nil {
		t := at
		msg.DeliveredAt = &t
		changed = true
	}
	if status == models.DeliveryStatusRead && msg.ReadAt == nil {
		t := at
		msg.ReadAt = &t
		changed = true
	}
	if !changed {
		return msg, false, nil
	}

	if err := r.store.Set(ctx, key, msg, 0); err != nil {
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, true, nil
}

// GetByConversation returns up to limit of the newest messages of a
// conversation sorted ascending by SentAt; limit <= 0 returns all retained.
func (r *MessageRepository) GetByConversation(ctx context.Context, tenantID, conversationID string, limit int) ([]models.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	ids, err := kvstore.ListOf[string](ctx, r.store, kvstore.ConversationMessagesKey(conversationID), start, -1)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := r.GetByID(ctx, tenantID, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].SentAt.Before(messages[j].SentAt) })
	return messages, nil
}
