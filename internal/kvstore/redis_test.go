package kvstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/internal/kvstore/kvstoretest"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	store, _ := kvstoretest.New(t)
	ctx := context.Background()

	var got record
	found, err := store.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "rec", record{Name: "a", Count: 2}, 0))

	found, err = store.Get(ctx, "rec", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Name: "a", Count: 2}, got)

	require.NoError(t, store.Delete(ctx, "rec"))
	found, err = store.Get(ctx, "rec", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_TTL(t *testing.T) {
	store, server := kvstoretest.New(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", "v", time.Minute))
	assert.Equal(t, time.Minute, server.TTL("short"))

	require.NoError(t, store.Expire(ctx, "short", 2*time.Hour))
	assert.Equal(t, 2*time.Hour, server.TTL("short"))

	server.FastForward(3 * time.Hour)

	var v string
	found, err := store.Get(ctx, "short", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_PushToListTrimsOldest(t *testing.T) {
	store, _ := kvstoretest.New(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.PushToList(ctx, "list", i, 3))
	}

	values, err := kvstore.ListOf[int](ctx, store, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, values)

	tail, err := kvstore.ListOf[int](ctx, store, "list", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, tail)
}

func TestRedisStore_Sets(t *testing.T) {
	store, _ := kvstoretest.New(t)
	ctx := context.Background()

	require.NoError(t, store.AddToSet(ctx, "set", "a", "b", "a"))
	members, err := store.GetSet(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, store.RemoveFromSet(ctx, "set", "a"))
	members, err = store.GetSet(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestLocker_SerializesSameKey(t *testing.T) {
	locker := kvstore.NewLocker()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("k")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locker.Len())
}
