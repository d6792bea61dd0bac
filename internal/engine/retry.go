package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 2 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

// RetryPolicy bounds how a step is retried. The delay before attempt n
// (n > 1) is BaseDelay * 2^(n-2).
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is 3 attempts, 2s base backoff, 60s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Delay returns the wait before the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay << (attempt - 2)
}

// Retrier runs an operation with bounded retries and a hard per-attempt
// timeout. A timed-out attempt is abandoned: its goroutine may keep running,
// so operations must be safe to invoke again.
type Retrier struct {
	policy   RetryPolicy
	observer api.Observer
	log      *zap.SugaredLogger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier. Zero policy fields take the defaults.
func NewRetrier(policy RetryPolicy, observer api.Observer, log *zap.SugaredLogger) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = def.AttemptTimeout
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Retrier{
		policy:   policy,
		observer: observer,
		log:      logger.OrNop(log),
		sleep:    sleepCtx,
	}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do runs op until it succeeds or the attempts are exhausted. The returned
// error matches errors.ErrRetriesExhausted and wraps the last failure.
// Cancellation of ctx stops retrying and returns ctx.Err(). An open circuit
// breaker stops retrying at once.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute is Do for operations that return a value.
func Execute[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.policy.Delay(attempt)
			r.log.Warnw("Retrying step execution",
				logger.FieldStep, name,
				logger.FieldAttempt, attempt,
				logger.FieldDelay, delay,
			)
			r.observer.OnRetry(ctx, name, attempt, delay, lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		v, err := runAttempt(ctx, r.policy.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		if errors.Is(err, errors.ErrCircuitOpen) {
			// The dependency is known to be down; further attempts would
			// fail the same way until the breaker's reset timeout.
			return zero, errors.Wrapf(err, "%s aborted on attempt %d", name, attempt)
		}

		lastErr = err
		r.log.Errorw("Step execution failed",
			logger.FieldStep, name,
			logger.FieldAttempt, attempt,
			logger.FieldError, err,
		)
	}

	return zero, errors.Mark(
		errors.Wrapf(lastErr, "max retries reached for %s", name),
		errors.ErrRetriesExhausted,
	)
}

type attemptResult[T any] struct {
	val T
	err error
}

// runAttempt races op against the attempt timeout. The result channel is
// buffered so an abandoned op can still complete without blocking.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult[T]{err: errors.Newf("step panicked: %v", p)}
			}
		}()
		v, err := op(attemptCtx)
		done <- attemptResult[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errors.Wrapf(errors.ErrAttemptTimeout, "execution timed out after %s", timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
