package breaker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

var errDown = errors.New("dependency down")

const testReset = 100 * time.Millisecond

func failing(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return errDown
	}
}

func succeeding(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

func newTestBreaker(threshold int) *Breaker {
	return New(Config{Name: "llm", FailureThreshold: threshold, ResetTimeout: testReset}, nil)
}

func waitHalfOpen(t *testing.T, b *Breaker) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == HalfOpen }, time.Second, 5*time.Millisecond)
}

// Given: a closed breaker with threshold 5
// When: 5 consecutive calls fail
// Then: the breaker opens and the next call fails fast without invoking fn
func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{Name: "llm", FailureThreshold: 5, ResetTimeout: time.Minute}, nil)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errDown)
		assert.Equal(t, Closed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errDown)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, int32(5), calls.Load())

	err := b.Execute(ctx, succeeding(&calls))
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, int32(5), calls.Load(), "wrapped function must not run while open")
	require.Len(t, errors.GetAllHints(err), 1)
	assert.Contains(t, errors.GetAllHints(err)[0], "retry after")
}

// Given: an open breaker whose reset timeout has elapsed
// When: a trial call succeeds
// Then: the breaker closes and the failure counter is reset
func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b := newTestBreaker(5)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	require.Equal(t, Open, b.State())

	waitHalfOpen(t, b)
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())

	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
}

// Given: an open breaker whose reset timeout has elapsed
// When: the trial call fails
// Then: the breaker re-opens for another full reset timeout
func TestBreaker_TrialFailureReopens(t *testing.T) {
	b := newTestBreaker(5)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	waitHalfOpen(t, b)

	require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errDown)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, int32(6), calls.Load())

	err := b.Execute(ctx, succeeding(&calls))
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, int32(6), calls.Load())
}

// Given: a half-open breaker with a trial call in flight
// When: other callers arrive before the trial call finishes
// Then: they are rejected; exactly one trial call reaches the dependency
func TestBreaker_HalfOpenAllowsSingleTrialCall(t *testing.T) {
	b := newTestBreaker(5)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	waitHalfOpen(t, b)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, HalfOpen, b.State())

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, succeeding(&calls))
		assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	}
	assert.Equal(t, int32(5), calls.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

// Given: a half-open breaker
// When: the trial call panics
// Then: the panic propagates, counts as a failed trial call, and a later one
// still reaches the dependency
func TestBreaker_PanickingTrialCallDoesNotJam(t *testing.T) {
	b := newTestBreaker(1)
	ctx := context.Background()

	var calls atomic.Int32
	require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errDown)
	require.Equal(t, Open, b.State())
	waitHalfOpen(t, b)

	assert.Panics(t, func() {
		_ = b.Execute(ctx, func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, Open, b.State())

	waitHalfOpen(t, b)
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, Closed, b.State())
}

// Given: a closed breaker with some failures recorded
// When: a call succeeds
// Then: the consecutive failure counter resets
func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := newTestBreaker(5)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	assert.Equal(t, 4, b.Failures())
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, 0, b.Failures())

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_StateChangeCallbackAndCall(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:             "llm",
		FailureThreshold: 1,
		ResetTimeout:     testReset,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, nil)
	ctx := context.Background()

	_, err := Call(ctx, b, func(context.Context) (int, error) { return 0, errDown })
	require.ErrorIs(t, err, errDown)

	time.Sleep(2 * testReset)
	v, err := Call(ctx, b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(Config{}, nil)
	assert.Equal(t, DefaultFailureThreshold, b.threshold)
	assert.Equal(t, DefaultResetTimeout, b.reset)
	assert.Equal(t, "CLOSED", b.State().String())
}
