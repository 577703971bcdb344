// Package kvstore is the key-value contract every WhatsApp component persists through.
package kvstore

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNil is returned by helpers when a key does not exist
var ErrNil = errors.New("kvstore: key not found")

// Store is the key-value contract. Values are JSON encoded; a ttl of zero
// means the key never expires.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// PushToList appends value and, when maxLen > 0, trims the oldest entries.
	PushToList(ctx context.Context, key string, value interface{}, maxLen int64) error
	// GetList returns raw encoded entries between start and stop, inclusive.
	// Negative indexes count from the tail like Redis LRANGE.
	GetList(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	AddToSet(ctx context.Context, key string, members ...string) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	GetSet(ctx context.Context, key string) ([]string, error)

	Close() error
}

// ListOf decodes a list range into typed values, skipping entries that no
// longer decode.
func ListOf[T any](ctx context.Context, s Store, key string, start, stop int64) ([]T, error) {
	raw, err := s.GetList(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func decode(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}
