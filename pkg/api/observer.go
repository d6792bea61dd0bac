package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the orchestrator, retry wrapper, lock
// and worker for logging and metrics.
//
// Implementations should be fast and non-blocking; they run inline on the
// pipeline goroutines.
type Observer interface {
	// OnExecutionStart is called once per Run, after the record is resolved.
	OnExecutionStart(ctx context.Context, rec *Record)

	// OnExecutionCompleted is called after the record is finalized as completed.
	OnExecutionCompleted(ctx context.Context, rec *Record)

	// OnExecutionFailed is called after the record is finalized as failed.
	OnExecutionFailed(ctx context.Context, rec *Record, err error)

	// OnStepStart is called when a step is marked in_progress.
	OnStepStart(ctx context.Context, executionID, step string)

	// OnStepSkipped is called when resume finds the step already completed.
	OnStepSkipped(ctx context.Context, executionID, step string)

	// OnStepCompleted is called when a step leaves in_progress, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, executionID, step string, err error, d time.Duration)

	// OnRetry is called before a retry attempt sleeps. attempt is the
	// attempt about to run (>= 2).
	OnRetry(ctx context.Context, step string, attempt int, delay time.Duration, err error)

	// OnLockExtended is called after a lock extension reaches quorum.
	OnLockExtended(ctx context.Context, resource string)

	// OnLockLost is called when an extend or release finds the token gone.
	OnLockLost(ctx context.Context, resource string, err error)
}

// NoopObserver is an Observer that does nothing.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(context.Context, *Record)         {}
func (NoopObserver) OnExecutionCompleted(context.Context, *Record)     {}
func (NoopObserver) OnExecutionFailed(context.Context, *Record, error) {}
func (NoopObserver) OnStepStart(context.Context, string, string)       {}
func (NoopObserver) OnStepSkipped(context.Context, string, string)     {}
func (NoopObserver) OnLockExtended(context.Context, string)            {}
func (NoopObserver) OnLockLost(context.Context, string, error)         {}
func (NoopObserver) OnRetry(context.Context, string, int, time.Duration, error) {
}
func (NoopObserver) OnStepCompleted(context.Context, string, string, error, time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, rec *Record) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, rec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, rec *Record) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, rec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, rec *Record, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, rec, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, executionID, step string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, executionID, step)
	}
}

func (c *CompositeObserver) OnStepSkipped(ctx context.Context, executionID, step string) {
	for _, o := range c.observers {
		o.OnStepSkipped(ctx, executionID, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, executionID, step string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, executionID, step, err, d)
	}
}

func (c *CompositeObserver) OnRetry(ctx context.Context, step string, attempt int, delay time.Duration, err error) {
	for _, o := range c.observers {
		o.OnRetry(ctx, step, attempt, delay, err)
	}
}

func (c *CompositeObserver) OnLockExtended(ctx context.Context, resource string) {
	for _, o := range c.observers {
		o.OnLockExtended(ctx, resource)
	}
}

func (c *CompositeObserver) OnLockLost(ctx context.Context, resource string, err error) {
	for _, o := range c.observers {
		o.OnLockLost(ctx, resource, err)
	}
}

// LoggingObserver writes structured logs through zap.
type LoggingObserver struct {
	Logger *zap.SugaredLogger
}

// NewLoggingObserver creates an Observer that logs lifecycle events. A nil
// logger falls back to zap's global sugared logger.
func NewLoggingObserver(l *zap.SugaredLogger) Observer {
	if l == nil {
		l = zap.S()
	}
	return &LoggingObserver{Logger: l}
}

func (o *LoggingObserver) OnExecutionStart(_ context.Context, rec *Record) {
	o.Logger.Infow("execution_start",
		"execution_id", rec.ExecutionID,
		"user_id", rec.UserID,
		"project_id", rec.ProjectID,
	)
}

func (o *LoggingObserver) OnExecutionCompleted(_ context.Context, rec *Record) {
	o.Logger.Infow("execution_completed",
		"execution_id", rec.ExecutionID,
		"duration_ms", rec.Metrics.TotalDurationMs,
		"tokens", rec.Metrics.TokensTotal,
	)
}

func (o *LoggingObserver) OnExecutionFailed(_ context.Context, rec *Record, err error) {
	o.Logger.Errorw("execution_failed",
		"execution_id", rec.ExecutionID,
		"error", err,
	)
}

func (o *LoggingObserver) OnStepStart(_ context.Context, executionID, step string) {
	o.Logger.Debugw("step_start", "execution_id", executionID, "step", step)
}

func (o *LoggingObserver) OnStepSkipped(_ context.Context, executionID, step string) {
	o.Logger.Infow("step_skipped", "execution_id", executionID, "step", step)
}

func (o *LoggingObserver) OnStepCompleted(_ context.Context, executionID, step string, err error, d time.Duration) {
	if err != nil {
		o.Logger.Errorw("step_completed",
			"execution_id", executionID,
			"step", step,
			"duration_ms", d.Milliseconds(),
			"error", err,
		)
		return
	}
	o.Logger.Debugw("step_completed",
		"execution_id", executionID,
		"step", step,
		"duration_ms", d.Milliseconds(),
	)
}

func (o *LoggingObserver) OnRetry(_ context.Context, step string, attempt int, delay time.Duration, err error) {
	o.Logger.Warnw("step_retry",
		"step", step,
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
}

func (o *LoggingObserver) OnLockExtended(_ context.Context, resource string) {
	o.Logger.Debugw("lock_extended", "resource", resource)
}

func (o *LoggingObserver) OnLockLost(_ context.Context, resource string, err error) {
	o.Logger.Errorw("lock_lost", "resource", resource, "error", err)
}

// BasicMetrics collects in-memory counters. It implements Observer and can
// be combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	stepsCompleted      atomic.Int64
	stepsSkipped        atomic.Int64
	totalStepDuration   atomic.Int64 // nanoseconds
	lockExtensions      atomic.Int64
	locksLost           atomic.Int64

	mu            sync.Mutex
	agentFailures map[string]int64
	agentRetries  map[string]int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	ExecutionsInFlight  int64

	StepsCompleted  int64
	StepsSkipped    int64
	AvgStepDuration time.Duration

	AgentFailures map[string]int64
	AgentRetries  map[string]int64

	LockExtensions int64
	LocksLost      int64
}

func (m *BasicMetrics) OnExecutionStart(context.Context, *Record) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(context.Context, *Record) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(context.Context, *Record, error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnStepSkipped(context.Context, string, string) {
	m.stepsSkipped.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _ string, step string, err error, d time.Duration) {
	if err != nil {
		m.bump(&m.agentFailures, step)
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnRetry(_ context.Context, step string, _ int, _ time.Duration, _ error) {
	m.bump(&m.agentRetries, step)
}

func (m *BasicMetrics) OnLockExtended(context.Context, string) {
	m.lockExtensions.Add(1)
}

func (m *BasicMetrics) OnLockLost(context.Context, string, error) {
	m.locksLost.Add(1)
}

func (m *BasicMetrics) bump(counters *map[string]int64, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *counters == nil {
		*counters = make(map[string]int64)
	}
	(*counters)[key]++
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	m.mu.Lock()
	failures := copyCounts(m.agentFailures)
	retries := copyCounts(m.agentRetries)
	m.mu.Unlock()

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		ExecutionsInFlight:  started - completed - failed,
		StepsCompleted:      steps,
		StepsSkipped:        m.stepsSkipped.Load(),
		AvgStepDuration:     avg,
		AgentFailures:       failures,
		AgentRetries:        retries,
		LockExtensions:      m.lockExtensions.Load(),
		LocksLost:           m.locksLost.Load(),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
