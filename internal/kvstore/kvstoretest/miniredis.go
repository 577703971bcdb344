// Package kvstoretest provides a Redis-backed store running in memory for tests.
package kvstoretest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
)

// New starts a miniredis server bound to t and returns a store using it
func New(t testing.TB) (*kvstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return kvstore.NewRedisStoreFromClient(client), server
}
