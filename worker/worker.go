// Package worker consumes queued executions and runs them through the
// orchestrator. A worker holds a lease on each task it runs and renews it
// while the run is in progress; a lost lease cancels the run so the task is
// never driven by two workers at once.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/engine"
	"github.com/KiranJinka45/multiAgent-sub000/internal/lock"
	"github.com/KiranJinka45/multiAgent-sub000/internal/taskqueue"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

const (
	DefaultConcurrency = 5
	DefaultLeaseTTL    = time.Minute
	// DefaultLockRetryDelay is how long a task waits when another worker
	// already holds its processing lock.
	DefaultLockRetryDelay = 5 * time.Second
	defaultErrorBackoff   = time.Second
	defaultReapInterval   = 30 * time.Second
	// DefaultReconcileInterval spaces scheduled billing reconciliation
	// passes across the fleet.
	DefaultReconcileInterval = time.Hour
)

// Runner executes one execution. *engine.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
}

// Locker acquires a named lock. *lock.Redlock implements it.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*lock.Lock, error)
}

type stalledRequeuer interface {
	RequeueStalled(ctx context.Context) (int, error)
}

type Config struct {
	// WorkerID identifies lease ownership. Defaults to a random id.
	WorkerID    string
	Concurrency int
	LeaseTTL    time.Duration
	// HeartbeatInterval defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration
	Retry             taskqueue.RetryPolicy
	// Locker is optional. When set, a run also holds the execution's
	// processing lock for LockTTL, kept alive until the run ends.
	Locker         Locker
	LockTTL        time.Duration
	LockRetryDelay time.Duration
	ReapInterval   time.Duration
	// Reconcile, when set, runs once per ReconcileInterval across every
	// worker sharing Locker. Without a Locker each worker runs it.
	Reconcile         func(ctx context.Context) error
	ReconcileInterval time.Duration
	Logger            *zap.SugaredLogger
	Now               func() time.Time
}

// Worker pulls tasks from a Queue and executes them using a Runner.
type Worker struct {
	runner Runner
	queue  taskqueue.Queue
	cfg    Config
	log    *zap.SugaredLogger
}

// New creates a Worker with default settings.
func New(runner Runner, queue taskqueue.Queue) *Worker {
	return NewWithConfig(runner, queue, Config{})
}

func NewWithConfig(runner Runner, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.Retry.MaxAttempts <= 0 || cfg.Retry.Backoff <= 0 {
		def := taskqueue.DefaultRetryPolicy()
		if cfg.Retry.MaxAttempts <= 0 {
			cfg.Retry.MaxAttempts = def.MaxAttempts
		}
		if cfg.Retry.Backoff <= 0 {
			cfg.Retry.Backoff = def.Backoff
		}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.LeaseTTL
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = DefaultLockRetryDelay
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		runner: runner,
		queue:  queue,
		cfg:    cfg,
		log:    logger.OrNop(cfg.Logger).With(logger.FieldComponent, "worker", "worker_id", cfg.WorkerID),
	}
}

// ID is the lease owner name this worker uses.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Submit enqueues an execution to run asynchronously and returns its id.
// It does NOT run the execution itself; that is done by ProcessOne.
func (w *Worker) Submit(ctx context.Context, p taskqueue.Payload) (string, error) {
	return w.SubmitAt(ctx, p, time.Time{})
}

// SubmitAt enqueues an execution that must not start before at.
func (w *Worker) SubmitAt(ctx context.Context, p taskqueue.Payload, at time.Time) (string, error) {
	if p.ExecutionID == "" {
		p.ExecutionID = uuid.NewString()
	}
	t := taskqueue.NewTask(p)
	t.NotBefore = at
	if err := w.queue.Enqueue(ctx, t); err != nil {
		return "", err
	}
	return p.ExecutionID, nil
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error,
//     including ctx cancellation.
//   - processed == true: a task was processed; err reports whether the run
//     succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	t, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	return true, w.handle(ctx, *t)
}

func (w *Worker) handle(ctx context.Context, t taskqueue.Task) error {
	log := w.log.With(logger.FieldJobID, t.ID, logger.FieldExecutionID, t.Payload.ExecutionID)
	// Settling the task must outlive a shutdown of ctx.
	settleCtx := context.WithoutCancel(ctx)

	if t.Type != taskqueue.TaskTypeGenerateProject {
		err := errors.Newf("unknown task type: %s", t.Type)
		t.LastError = err.Error()
		if dlErr := w.queue.DeadLetter(settleCtx, t, w.cfg.WorkerID); dlErr != nil {
			return errors.Join(err, dlErr)
		}
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var bg sync.WaitGroup
	stop := func() {
		cancel(nil)
		bg.Wait()
	}
	defer stop()

	bg.Add(1)
	go func() {
		defer bg.Done()
		w.heartbeat(runCtx, cancel, t.ID, log)
	}()

	if w.cfg.Locker != nil {
		l, err := w.cfg.Locker.Acquire(runCtx, lock.ProcessingResource(t.Payload.ExecutionID), w.cfg.LockTTL)
		if errors.Is(err, errors.ErrResourceLocked) {
			stop()
			log.Infow("execution is being processed elsewhere, retrying later")
			// Not a failed run: the attempt budget is left untouched.
			return w.queue.Nack(settleCtx, t, w.cfg.WorkerID, w.cfg.Now().Add(w.cfg.LockRetryDelay))
		}
		if err != nil {
			stop()
			return w.settle(ctx, settleCtx, t, errors.Wrap(err, "acquire processing lock"), log)
		}
		defer func() {
			if err := l.Release(settleCtx); err != nil {
				log.Warnw("failed to release processing lock", logger.FieldError, err)
			}
		}()
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := l.Keepalive(runCtx, w.cfg.LockTTL, w.cfg.LockTTL/3); err != nil {
				cancel(errors.Wrap(err, "processing lock lost"))
			}
		}()
	}

	start := w.cfg.Now()
	res, runErr := w.runner.Run(runCtx, engine.RunRequest{
		ExecutionID: t.Payload.ExecutionID,
		Prompt:      t.Payload.Prompt,
		UserID:      t.Payload.UserID,
		ProjectID:   t.Payload.ProjectID,
	})
	cause := context.Cause(runCtx)
	stop()

	if errors.Is(cause, errors.ErrLeaseLost) {
		// Another worker owns the task now; it settles it.
		log.Warnw("lease lost during run", logger.FieldError, cause)
		return cause
	}
	if runErr == nil && res != nil && !res.Success {
		runErr = errors.Newf("execution %s failed: %s", t.Payload.ExecutionID, res.Error)
	}
	if runErr == nil {
		if err := w.queue.Ack(settleCtx, t.ID, w.cfg.WorkerID); err != nil {
			return err
		}
		log.Infow("task completed", logger.FieldDurationMS, w.cfg.Now().Sub(start).Milliseconds())
		return nil
	}
	if cause != nil && ctx.Err() == nil {
		runErr = errors.Join(runErr, cause)
	}
	return w.settle(ctx, settleCtx, t, runErr, log)
}

// settle records a failed run. A run interrupted by shutdown goes back to
// the queue without spending an attempt.
func (w *Worker) settle(ctx, settleCtx context.Context, t taskqueue.Task, runErr error, log *zap.SugaredLogger) error {
	if ctx.Err() != nil {
		log.Infow("run interrupted by shutdown, requeueing")
		if err := w.queue.Nack(settleCtx, t, w.cfg.WorkerID, w.cfg.Now()); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}

	dead, err := taskqueue.Fail(settleCtx, w.queue, w.cfg.Retry, t, w.cfg.WorkerID, runErr, w.cfg.Now())
	if err != nil {
		return errors.Join(runErr, err)
	}
	if dead {
		log.Errorw("task failed permanently", logger.FieldAttempt, t.Attempts+1, logger.FieldError, runErr)
	} else {
		log.Warnw("task failed, will retry", logger.FieldAttempt, t.Attempts+1, logger.FieldError, runErr)
	}
	return runErr
}

func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, taskID string, log *zap.SugaredLogger) {
	tick := time.NewTicker(w.cfg.HeartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			err := w.queue.RenewLease(ctx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, errors.ErrLeaseLost) {
				cancel(err)
				return
			}
			log.Warnw("lease renewal failed", logger.FieldError, err)
		}
	}
}

// Run processes tasks with Concurrency loops until ctx is cancelled. Task
// failures are logged and do not stop the worker. When the queue supports
// it, expired leases are also requeued periodically.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("worker started", "concurrency", w.cfg.Concurrency)
	defer w.log.Infow("worker stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.loop(gctx) })
	}
	if r, ok := w.queue.(stalledRequeuer); ok {
		g.Go(func() error { return w.reap(gctx, r) })
	}
	if w.cfg.Reconcile != nil {
		g.Go(func() error { return w.reconcileLoop(gctx) })
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		if processed {
			// Already logged and settled by handle.
			continue
		}
		w.log.Warnw("dequeue failed", logger.FieldError, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(defaultErrorBackoff):
		}
	}
}

func (w *Worker) reap(ctx context.Context, r stalledRequeuer) error {
	tick := time.NewTicker(w.cfg.ReapInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := r.RequeueStalled(ctx); err != nil && ctx.Err() == nil {
				w.log.Warnw("requeue stalled tasks failed", logger.FieldError, err)
			}
		}
	}
}

func (w *Worker) reconcileLoop(ctx context.Context) error {
	tick := time.NewTicker(w.cfg.ReconcileInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := w.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Errorw("scheduled billing reconciliation failed", logger.FieldError, err)
			}
		}
	}
}

// ReconcileOnce runs the reconciliation pass unless another worker already
// ran it within the current interval. The reconcile lock is held for a full
// interval and left to expire, so each interval gets one pass fleet-wide.
func (w *Worker) ReconcileOnce(ctx context.Context) (bool, error) {
	if w.cfg.Reconcile == nil {
		return false, nil
	}
	if w.cfg.Locker != nil {
		_, err := w.cfg.Locker.Acquire(ctx, lock.ReconcileResource, w.cfg.ReconcileInterval)
		if errors.Is(err, errors.ErrResourceLocked) {
			w.log.Debugw("billing reconciliation already ran this interval")
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "acquire reconcile lock")
		}
	}
	w.log.Infow("running scheduled billing reconciliation")
	if err := w.cfg.Reconcile(ctx); err != nil {
		return true, err
	}
	return true, nil
}
