package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
)

const (
	DefaultSessionTTL = 7 * 24 * time.Hour
	nonceSize         = 24
)

// SessionStore keeps sealed device credential blobs apart from device records
type SessionStore struct {
	store kvstore.Store
	key   [32]byte
	ttl   time.Duration
}

type sessionRecord struct {
	Sealed  []byte    `json:"sealed"`
	SavedAt time.Time `json:"saved_at"`
}

// NewSessionStore derives the sealing key from secret
func NewSessionStore(store kvstore.Store, secret string, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		store: store,
		key:   sha256.Sum256([]byte(secret)),
		ttl:   ttl,
	}
}

// Save seals data and stores it with the session TTL
func (s *SessionStore) Save(ctx context.Context, deviceID string, data []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate session nonce: %w", err)
	}

	record := sessionRecord{
		Sealed:  secretbox.Seal(nonce[:], data, &nonce, &s.key),
		SavedAt: time.Now(),
	}
	if err := s.store.Set(ctx, kvstore.SessionKey(deviceID), record, s.ttl); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the opened session blob; found is false when none is stored
func (s *SessionStore) Load(ctx context.Context, deviceID string) ([]byte, bool, error) {
	var record sessionRecord
	found, err := s.store.Get(ctx, kvstore.SessionKey(deviceID), &record)
	if err != nil || !found {
		return nil, false, err
	}

	if len(record.Sealed) < nonceSize+secretbox.Overhead {
		return nil, false, ErrSessionCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], record.Sealed[:nonceSize])
	data, ok := secretbox.Open(nil, record.Sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, false, ErrSessionCorrupt
	}
	return data, true, nil
}

// Clear removes the stored session
func (s *SessionStore) Clear(ctx context.Context, deviceID string) error {
	return s.store.Delete(ctx, kvstore.SessionKey(deviceID))
}
