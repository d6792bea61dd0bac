package taskqueue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

const (
	DefaultName         = "project-generation-v1"
	defaultPollInterval = 50 * time.Millisecond
)

// RedisQueue implements Queue on Redis. All keys share the prefix
// "queue:<name>:":
//
//	ready    list of task ids, consumed from the right
//	delayed  zset of task ids by not-before time
//	active   zset of task ids by lease deadline
//	state    hash id -> ready|delayed|active|dead
//	owner    hash id -> lease owner
//	tasks    hash id -> task JSON
//	dead     list of dead-lettered task ids
//
// Every transition runs as a single script.
type RedisQueue struct {
	client       redis.UniversalClient
	keys         []string
	pollInterval time.Duration
	log          *zap.SugaredLogger
	now          func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

type RedisOption func(*RedisQueue)

func WithPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func WithLogger(l *zap.SugaredLogger) RedisOption {
	return func(q *RedisQueue) { q.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewRedisQueue constructs a Redis-backed Queue. An empty name uses
// DefaultName.
func NewRedisQueue(client redis.UniversalClient, name string, opts ...RedisOption) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	p := "queue:" + name + ":"
	q := &RedisQueue{
		client:       client,
		keys:         []string{p + "ready", p + "delayed", p + "active", p + "state", p + "owner", p + "tasks", p + "dead"},
		pollInterval: defaultPollInterval,
		log:          logger.Nop(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With(logger.FieldComponent, "taskqueue", "queue", name)
	return q
}

func (q *RedisQueue) readyKey() string   { return q.keys[0] }
func (q *RedisQueue) delayedKey() string { return q.keys[1] }
func (q *RedisQueue) activeKey() string  { return q.keys[2] }
func (q *RedisQueue) stateKey() string   { return q.keys[3] }
func (q *RedisQueue) tasksKey() string   { return q.keys[5] }
func (q *RedisQueue) deadKey() string    { return q.keys[6] }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Type == "" {
		t.Type = TaskTypeGenerateProject
	}
	now := q.now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now.UTC()
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	added, err := enqueueScript.Run(ctx, q.client, q.keys,
		t.ID, data, notBefore.UnixMilli(), now.UnixMilli()).Int()
	if err != nil {
		return errors.Wrapf(err, "enqueue task %s", t.ID)
	}
	if added == 0 {
		return errors.Wrapf(errors.ErrDuplicateJob, "task %s", t.ID)
	}
	q.log.Debugw("task_enqueued", logger.FieldJobID, t.ID)
	return nil
}

// Dequeue polls until a task can be leased or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		t, err := q.TryDequeue(ctx, owner, leaseTTL)
		if err != nil || t != nil {
			return t, err
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryDequeue leases the next runnable task, or returns nil without
// waiting.
func (q *RedisQueue) TryDequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := q.now()
	raw, err := dequeueScript.Run(ctx, q.client, q.keys,
		now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), owner).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "dequeue task")
	}
	return decodeTask(raw)
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	ok, err := ackScript.Run(ctx, q.client, q.keys, taskID, owner).Int()
	return q.ownerResult("ack", taskID, owner, ok, err)
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	ok, err := renewScript.Run(ctx, q.client, q.keys,
		taskID, owner, q.now().Add(leaseTTL).UnixMilli()).Int()
	return q.ownerResult("renew lease of", taskID, owner, ok, err)
}

func (q *RedisQueue) Nack(ctx context.Context, t Task, owner string, notBefore time.Time) error {
	t.NotBefore = notBefore.UTC()
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	ok, err := nackScript.Run(ctx, q.client, q.keys, t.ID, owner, data, notBefore.UnixMilli()).Int()
	if rerr := q.ownerResult("nack", t.ID, owner, ok, err); rerr != nil {
		return rerr
	}
	q.log.Infow("task_retry_scheduled",
		logger.FieldJobID, t.ID,
		logger.FieldAttempt, t.Attempts,
		"not_before", t.NotBefore,
	)
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, t Task, owner string) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	ok, err := deadLetterScript.Run(ctx, q.client, q.keys, t.ID, owner, data).Int()
	if rerr := q.ownerResult("dead-letter", t.ID, owner, ok, err); rerr != nil {
		return rerr
	}
	q.log.Errorw("task_dead_lettered",
		logger.FieldJobID, t.ID,
		logger.FieldAttempt, t.Attempts,
		logger.FieldError, t.LastError,
	)
	return nil
}

// RequeueStalled makes every task whose lease expired ready again and
// returns how many were moved.
func (q *RedisQueue) RequeueStalled(ctx context.Context) (int, error) {
	n, err := requeueStalledScript.Run(ctx, q.client, q.keys, q.now().UnixMilli()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "requeue stalled tasks")
	}
	if n > 0 {
		q.log.Warnw("stalled_tasks_requeued", logger.FieldCount, n)
	}
	return n, nil
}

// Len counts ready and delayed tasks.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnw("queue_len_failed", logger.FieldError, err)
		return 0
	}
	return int(ready.Val() + delayed.Val())
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready   int64 `json:"ready" yaml:"ready"`
	Delayed int64 `json:"delayed" yaml:"delayed"`
	Active  int64 `json:"active" yaml:"active"`
	Dead    int64 `json:"dead" yaml:"dead"`
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.activeKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), Active: active.Val(), Dead: dead.Val()}, nil
}

// Get returns a task and its state. A missing task returns nil, "".
func (q *RedisQueue) Get(ctx context.Context, taskID string) (*Task, string, error) {
	pipe := q.client.Pipeline()
	rawCmd := pipe.HGet(ctx, q.tasksKey(), taskID)
	stateCmd := pipe.HGet(ctx, q.stateKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", errors.Wrapf(err, "get task %s", taskID)
	}
	raw, err := rawCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	t, err := decodeTask(raw)
	if err != nil {
		return nil, "", err
	}
	return t, stateCmd.Val(), nil
}

// DeadLetters returns the ids of dead-lettered tasks, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]string, error) {
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	return ids, nil
}

func (q *RedisQueue) ownerResult(op, taskID, owner string, ok int, err error) error {
	if err != nil {
		return errors.Wrapf(err, "%s task %s", op, taskID)
	}
	if ok == 0 {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrLeaseLost, "%s task %s", op, taskID),
			"owner %s no longer holds the lease", owner,
		)
	}
	return nil
}
