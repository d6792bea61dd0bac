//go:build integration

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/internal/testutil"
)

func TestIntegration_MutualExclusionAcrossReplicas(t *testing.T) {
	addrs := testutil.StartRedisReplicas(t, 3)
	clients := make([]redis.UniversalClient, 0, len(addrs))
	for _, a := range addrs {
		c := redis.NewClient(&redis.Options{Addr: a})
		t.Cleanup(func() { _ = c.Close() })
		clients = append(clients, c)
	}

	rl, err := New(clients, Options{RetryCount: 200, RetryDelay: 5 * time.Millisecond, RetryJitter: 5 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	id := "it-" + uuid.NewString()
	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rl.WithLock(context.Background(), id, 5*time.Second, func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), overlaps.Load())

	for _, c := range clients {
		n, err := c.Exists(context.Background(), ExecutionResource(id)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	}
}
