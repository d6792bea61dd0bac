// Package taskqueue is the durable hand-off between admission and the
// workers. Tasks are keyed by execution id, so an execution is queued at
// most once at a time. Delivery is at-least-once: a worker holds a lease
// that it must renew, and expired leases are requeued.
package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

// TaskType identifies what the worker should do.
type TaskType string

const TaskTypeGenerateProject TaskType = "generate-project"

// Payload is the input of a generate-project task.
type Payload struct {
	ExecutionID string `json:"executionId"`
	Prompt      string `json:"prompt"`
	UserID      string `json:"userId"`
	ProjectID   string `json:"projectId"`
}

// Task is one unit of work. ID is the idempotency key.
type Task struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// NotBefore is the earliest time the task may run. Zero means now.
	NotBefore time.Time `json:"notBefore,omitempty"`
	// Attempts counts failed runs so far.
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

// NewTask builds a generate-project task keyed by the execution id.
func NewTask(p Payload) Task {
	return Task{
		ID:         p.ExecutionID,
		Type:       TaskTypeGenerateProject,
		Payload:    p,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Task states.
const (
	StateReady   = "ready"
	StateDelayed = "delayed"
	StateActive  = "active"
	StateDead    = "dead"
)

// Queue is a leased task queue.
type Queue interface {
	// Enqueue adds a task. It returns errors.ErrDuplicateJob while a task
	// with the same ID is ready, delayed or active.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is available or ctx is done. The caller
	// owns the task for leaseTTL unless it renews the lease.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a finished task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack returns the task for another attempt no earlier than notBefore.
	Nack(ctx context.Context, t Task, owner string, notBefore time.Time) error

	// DeadLetter parks a task that will not be retried.
	DeadLetter(ctx context.Context, t Task, owner string) error

	// RenewLease extends the owner's lease.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks waiting to run.
	Len() int
}

// RetryPolicy decides between Nack and DeadLetter for a failed task.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
)

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// Delay is Backoff * 2^(failures-1).
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures <= 1 {
		return p.Backoff
	}
	return p.Backoff << (failures - 1)
}

// Fail records a failed run of t: it is retried with exponential backoff
// until MaxAttempts runs have failed, then dead-lettered. It reports
// whether the task was dead-lettered.
func Fail(ctx context.Context, q Queue, p RetryPolicy, t Task, owner string, runErr error, now time.Time) (bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}

	t.Attempts++
	if runErr != nil {
		t.LastError = runErr.Error()
	}
	if t.Attempts >= p.MaxAttempts {
		return true, q.DeadLetter(ctx, t, owner)
	}
	return false, q.Nack(ctx, t, owner, now.Add(p.Delay(t.Attempts)))
}

func encodeTask(t Task) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrapf(err, "encode task %s", t.ID)
	}
	return string(raw), nil
}

func decodeTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, errors.Wrap(err, "decode task")
	}
	return &t, nil
}
