// Package lock implements a quorum lock over independent Redis nodes.
//
// A lock is held when a majority of nodes store the holder's random token
// under the resource key. Extension and release are compare-token scripts,
// so a holder whose lock expired and was re-acquired by someone else gets
// errors.ErrLockFencingViolation instead of silently touching the new
// holder's lock.
package lock

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

const (
	DefaultTTL         = 30 * time.Second
	DefaultRetryCount  = 10
	DefaultRetryDelay  = 200 * time.Millisecond
	DefaultRetryJitter = 200 * time.Millisecond
	DefaultDriftFactor = 0.01

	// ExecutionPrefix namespaces per-execution locks.
	ExecutionPrefix = "locks:execution:"
	// ProcessingPrefix namespaces the lock a worker holds while running a
	// queued execution.
	ProcessingPrefix = "locks:processing:"
	// ReconcileResource is held by the worker running the scheduled
	// billing reconciliation pass.
	ReconcileResource = "locks:system:reconcile-billing"
)

// Options tune acquisition. Zero values take the defaults.
type Options struct {
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
	DriftFactor float64
}

// Redlock acquires locks across independent Redis nodes.
type Redlock struct {
	clients  []redis.UniversalClient
	quorum   int
	opts     Options
	observer api.Observer
	log      *zap.SugaredLogger
}

// New creates a Redlock over the given nodes. Use an odd number of nodes
// that fail independently; a single node is accepted for development.
func New(clients []redis.UniversalClient, opts Options, observer api.Observer, log *zap.SugaredLogger) (*Redlock, error) {
	if len(clients) == 0 {
		return nil, errors.New("redlock requires at least one redis client")
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = DefaultRetryCount
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.RetryJitter <= 0 {
		opts.RetryJitter = DefaultRetryJitter
	}
	if opts.DriftFactor <= 0 {
		opts.DriftFactor = DefaultDriftFactor
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Redlock{
		clients:  clients,
		quorum:   len(clients)/2 + 1,
		opts:     opts,
		observer: observer,
		log:      logger.OrNop(log),
	}, nil
}

// Quorum is the number of nodes that must agree.
func (r *Redlock) Quorum() int {
	return r.quorum
}

// Lock is a held quorum lock.
type Lock struct {
	r        *Redlock
	resource string
	token    string

	mu         sync.Mutex
	expiration time.Time
}

// Resource returns the locked key.
func (l *Lock) Resource() string { return l.resource }

// Token returns the fencing token stored on each node.
func (l *Lock) Token() string { return l.token }

// Expiration is the latest local estimate of when the lock lapses.
func (l *Lock) Expiration() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiration
}

// Acquire takes the lock on resource for ttl. After RetryCount failed
// rounds it returns errors.ErrResourceLocked.
func (r *Redlock) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()

	for attempt := 0; attempt <= r.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := r.backoff(ctx); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		n := r.forEach(ctx, func(ctx context.Context, c redis.UniversalClient) (bool, error) {
			return c.SetNX(ctx, resource, token, ttl).Result()
		})
		validity := ttl - time.Since(start) - r.drift(ttl)

		if n >= r.quorum && validity > 0 {
			return &Lock{
				r:          r,
				resource:   resource,
				token:      token,
				expiration: start.Add(validity),
			}, nil
		}

		// Undo partial acquisitions so the next round starts clean.
		r.forEach(ctx, func(ctx context.Context, c redis.UniversalClient) (bool, error) {
			res, err := releaseScript.Run(ctx, c, []string{resource}, token).Result()
			return scriptOK(res), err
		})
	}

	return nil, errors.WithHint(
		errors.Wrapf(errors.ErrResourceLocked, "%s", resource),
		"another worker is likely handling this resource",
	)
}

// Extend resets the lock's TTL to ttl on every node still holding our
// token. Fewer than a quorum means the lock was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	r := l.r

	start := time.Now()
	n := r.forEach(ctx, func(ctx context.Context, c redis.UniversalClient) (bool, error) {
		res, err := extendScript.Run(ctx, c, []string{l.resource}, l.token, ttl.Milliseconds()).Result()
		return scriptOK(res), err
	})
	validity := ttl - time.Since(start) - r.drift(ttl)

	if n < r.quorum || validity <= 0 {
		err := l.fencingError("extend", n)
		r.observer.OnLockLost(ctx, l.resource, err)
		return nil, err
	}

	l.mu.Lock()
	l.expiration = start.Add(validity)
	l.mu.Unlock()

	r.observer.OnLockExtended(ctx, l.resource)
	return l, nil
}

// Release deletes the lock on every node still holding our token. If a
// quorum no longer held it, the lock had already been lost and
// errors.ErrLockFencingViolation is returned.
func (l *Lock) Release(ctx context.Context) error {
	r := l.r
	n := r.forEach(ctx, func(ctx context.Context, c redis.UniversalClient) (bool, error) {
		res, err := releaseScript.Run(ctx, c, []string{l.resource}, l.token).Result()
		return scriptOK(res), err
	})
	if n < r.quorum {
		err := l.fencingError("release", n)
		r.observer.OnLockLost(ctx, l.resource, err)
		return err
	}
	return nil
}

func (l *Lock) fencingError(op string, held int) error {
	return errors.WithDetailf(
		errors.Wrapf(errors.ErrLockFencingViolation, "%s %s", op, l.resource),
		"token held on %d of %d nodes, quorum %d", held, len(l.r.clients), l.r.quorum,
	)
}

// forEach runs fn against every node concurrently and counts successes.
// Node errors count as failures; they are logged, not returned, because a
// minority of unreachable nodes is expected.
func (r *Redlock) forEach(ctx context.Context, fn func(ctx context.Context, c redis.UniversalClient) (bool, error)) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, c := range r.clients {
		wg.Add(1)
		go func(c redis.UniversalClient) {
			defer wg.Done()
			success, err := fn(ctx, c)
			if err != nil && !errors.Is(err, redis.Nil) {
				r.log.Debugw("Lock node operation failed", logger.FieldError, err)
				return
			}
			if success {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return ok
}

func (r *Redlock) drift(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl)*r.opts.DriftFactor) + 2*time.Millisecond
}

func (r *Redlock) backoff(ctx context.Context) error {
	d := r.opts.RetryDelay
	if r.opts.RetryJitter > 0 {
		d += time.Duration(rand.Int64N(int64(r.opts.RetryJitter)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
