package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormCursorStore_NextAndReset(t *testing.T) {
	db := newTestDB(t)
	store := NewGormCursorStore(db)
	ctx := context.Background()

	for want := int64(0); want < 4; want++ {
		got, err := store.Next(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// cursors are independent per rule
	got, err := store.Next(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	require.NoError(t, store.Reset(ctx, 1))
	got, err = store.Next(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestGormCursorStore_ConcurrentNextIsUnique(t *testing.T) {
	db := newTestDB(t)
	store := NewGormCursorStore(db)
	ctx := context.Background()

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.Next(ctx, 9)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestRedisCursorStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	store := NewRedisCursorStore(client, "deskflow:test:rr:")
	require.NoError(t, store.Reset(ctx, 1))
	for want := int64(0); want < 3; want++ {
		got, err := store.Next(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, store.Reset(ctx, 1))
}
