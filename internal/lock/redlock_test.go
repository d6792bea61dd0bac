package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/testutil"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

func fastOptions(retries int) Options {
	return Options{
		RetryCount:  retries,
		RetryDelay:  5 * time.Millisecond,
		RetryJitter: 5 * time.Millisecond,
	}
}

func newTestRedlock(t *testing.T, retries int, obs api.Observer) (*Redlock, []*miniredis.Miniredis) {
	t.Helper()
	servers, clients := testutil.NewMiniRedisCluster(t, 3)
	rl, err := New(clients, fastOptions(retries), obs, nil)
	require.NoError(t, err)
	return rl, servers
}

func fastForward(servers []*miniredis.Miniredis, d time.Duration) {
	for _, s := range servers {
		s.FastForward(d)
	}
}

func TestNew_RequiresClients(t *testing.T) {
	_, err := New(nil, Options{}, nil, nil)
	require.Error(t, err)
}

func TestAcquire_StoresTokenOnQuorum(t *testing.T) {
	rl, servers := newTestRedlock(t, 1, nil)
	ctx := context.Background()

	l, err := rl.Acquire(ctx, "locks:execution:e1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, rl.Quorum())
	assert.True(t, l.Expiration().After(time.Now()))

	for _, s := range servers {
		got, err := s.Get("locks:execution:e1")
		require.NoError(t, err)
		assert.Equal(t, l.Token(), got)
	}

	require.NoError(t, l.Release(ctx))
	for _, s := range servers {
		assert.False(t, s.Exists("locks:execution:e1"))
	}
}

func TestAcquire_ContentionReturnsResourceLocked(t *testing.T) {
	rl, _ := newTestRedlock(t, 2, nil)
	ctx := context.Background()

	held, err := rl.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	_, err = rl.Acquire(ctx, "r", time.Second)
	assert.True(t, errors.Is(err, errors.ErrResourceLocked), "got %v", err)
}

func TestAcquire_ToleratesMinorityNodeFailure(t *testing.T) {
	rl, servers := newTestRedlock(t, 1, nil)
	ctx := context.Background()

	servers[2].Close()
	l, err := rl.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))

	servers[1].Close()
	_, err = rl.Acquire(ctx, "r", time.Second)
	assert.True(t, errors.Is(err, errors.ErrResourceLocked))
}

func TestAcquire_FailedRoundCleansUpPartialAcquisitions(t *testing.T) {
	rl, servers := newTestRedlock(t, 0, nil)
	ctx := context.Background()

	// Two nodes already hold someone else's token; we can only win one.
	require.NoError(t, servers[0].Set("r", "other"))
	require.NoError(t, servers[1].Set("r", "other"))

	_, err := rl.Acquire(ctx, "r", time.Second)
	require.True(t, errors.Is(err, errors.ErrResourceLocked))
	assert.False(t, servers[2].Exists("r"), "minority acquisition must be rolled back")
}

func TestWithLock_MutualExclusion(t *testing.T) {
	rl, _ := newTestRedlock(t, 200, nil)
	ctx := context.Background()

	var (
		current   atomic.Int32
		maxSeen   atomic.Int32
		completed atomic.Int32
		wg        sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rl.WithLock(ctx, "exec-1", 5*time.Second, func(ctx context.Context) error {
				n := current.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				current.Add(-1)
				completed.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(3), completed.Load())
}

func TestWithLock_ReturnsFnErrorAndReleases(t *testing.T) {
	rl, servers := newTestRedlock(t, 1, nil)
	boom := errors.New("boom")

	err := rl.WithLock(context.Background(), "exec-2", 0, func(ctx context.Context) error {
		assert.Equal(t, DefaultTTL, servers[0].TTL(ExecutionResource("exec-2")))
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.False(t, servers[0].Exists(ExecutionResource("exec-2")))
}

func TestExtend_BlocksThirdPartyPastOriginalTTL(t *testing.T) {
	rl, servers := newTestRedlock(t, 2, nil)
	ctx := context.Background()

	l, err := rl.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	l, err = l.Extend(ctx, 5*time.Second)
	require.NoError(t, err)

	// Past the original TTL but inside the extension.
	fastForward(servers, 1500*time.Millisecond)

	_, err = rl.Acquire(ctx, "r", time.Second)
	assert.True(t, errors.Is(err, errors.ErrResourceLocked))

	require.NoError(t, l.Release(ctx))
}

func TestRelease_AfterExpiryIsFencingViolation(t *testing.T) {
	metrics := &api.BasicMetrics{}
	rl, servers := newTestRedlock(t, 2, metrics)
	ctx := context.Background()

	stale, err := rl.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	fastForward(servers, 1500*time.Millisecond)

	fresh, err := rl.Acquire(ctx, "r", time.Second)
	require.NoError(t, err, "third party must acquire after genuine expiry")

	err = stale.Release(ctx)
	assert.True(t, errors.Is(err, errors.ErrLockFencingViolation), "got %v", err)

	_, err = stale.Extend(ctx, time.Second)
	assert.True(t, errors.Is(err, errors.ErrLockFencingViolation))

	// The stale holder must not have touched the new holder's lock.
	for _, s := range servers {
		got, err := s.Get("r")
		require.NoError(t, err)
		assert.Equal(t, fresh.Token(), got)
	}
	assert.Equal(t, int64(2), metrics.Snapshot().LocksLost)
	require.NoError(t, fresh.Release(ctx))
}

func TestKeepalive_ExtendsUntilCancelled(t *testing.T) {
	metrics := &api.BasicMetrics{}
	rl, servers := newTestRedlock(t, 1, metrics)

	l, err := rl.Acquire(context.Background(), "r", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Keepalive(ctx, 10*time.Second, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return metrics.Snapshot().LockExtensions >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Greater(t, servers[0].TTL("r"), time.Second)
}

func TestKeepalive_ReportsLostLock(t *testing.T) {
	rl, servers := newTestRedlock(t, 1, nil)

	l, err := rl.Acquire(context.Background(), "r", time.Second)
	require.NoError(t, err)
	for _, s := range servers {
		s.Del("r")
	}

	err = l.Keepalive(context.Background(), time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrLockFencingViolation))
}
