package lock

import (
	"context"
	"time"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

// ExecutionResource is the lock key guarding one execution.
func ExecutionResource(executionID string) string {
	return ExecutionPrefix + executionID
}

// ProcessingResource is the lock key a worker holds while it runs the
// execution. It is distinct from ExecutionResource so billing can lock the
// same execution while it runs.
func ProcessingResource(executionID string) string {
	return ProcessingPrefix + executionID
}

// WithLock runs fn while holding the execution's lock. A zero ttl uses
// DefaultTTL. A failed release is always returned, joined with fn's error
// if fn also failed.
func (r *Redlock) WithLock(ctx context.Context, executionID string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	resource := ExecutionResource(executionID)

	r.log.Infow("Attempting to acquire distributed lock",
		logger.FieldExecutionID, executionID,
		logger.FieldResource, resource,
	)
	l, err := r.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	r.log.Infow("Distributed lock acquired",
		logger.FieldExecutionID, executionID,
		logger.FieldResource, resource,
	)

	fnErr := fn(ctx)

	// Release even if ctx was cancelled while fn ran.
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	relErr := l.Release(relCtx)
	if relErr != nil {
		r.log.Errorw("Failed to release distributed lock",
			logger.FieldExecutionID, executionID,
			logger.FieldResource, resource,
			logger.FieldError, relErr,
		)
	}

	switch {
	case fnErr != nil && relErr != nil:
		return errors.Join(fnErr, relErr)
	case fnErr != nil:
		return fnErr
	default:
		return relErr
	}
}

// Keepalive extends l to ttl every interval until ctx is done. It returns
// nil when ctx ends and the first extension error otherwise; callers must
// stop the guarded work when that happens.
func (l *Lock) Keepalive(ctx context.Context, ttl, interval time.Duration) error {
	if interval <= 0 {
		interval = ttl / 3
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := l.Extend(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
