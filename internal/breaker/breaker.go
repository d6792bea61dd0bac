// Package breaker isolates an unreliable dependency behind a circuit
// breaker built on sony/gobreaker.
//
// CLOSED passes calls through and counts consecutive failures. Reaching the
// threshold opens the circuit; while OPEN calls fail with
// errors.ErrCircuitOpen without invoking the dependency. Once ResetTimeout
// has elapsed a single trial call is let through (HALF_OPEN): success
// closes the circuit, failure or panic re-opens it.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// Config configures a Breaker. Zero values take the defaults.
type Config struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// OnStateChange is called synchronously while the breaker is locked;
	// it must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker is safe for concurrent use. Construct one per dependency and
// share it between every caller of that dependency.
type Breaker struct {
	name      string
	threshold int
	reset     time.Duration
	cb        *gobreaker.CircuitBreaker[any]
}

// New creates a Breaker.
func New(cfg Config, log *zap.SugaredLogger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	log = logger.OrNop(log)
	threshold := uint32(cfg.FailureThreshold)

	b := &Breaker{name: cfg.Name, threshold: cfg.FailureThreshold, reset: cfg.ResetTimeout}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := fromGobreaker(from), fromGobreaker(to)
			if t == Open {
				log.Errorw("Circuit breaker is now OPEN", logger.FieldComponent, name)
			} else {
				log.Infow("Circuit breaker state change",
					logger.FieldComponent, name,
					logger.FieldState, t.String(),
				)
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, f, t)
			}
		},
	})
	return b
}

// State returns the current state. An OPEN breaker whose reset timeout has
// elapsed reports HALF_OPEN.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Failures returns the consecutive failure count of the current state.
// Every state change clears it.
func (b *Breaker) Failures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// Execute runs fn unless the circuit is open. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return b.translate(err)
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.WithHintf(
			errors.Wrapf(errors.ErrCircuitOpen, "%s", b.name),
			"external service unavailable; retry after %s", b.reset,
		)
	}
	return err
}
