package persistence

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

const (
	DefaultRecordTTL   = 24 * time.Hour
	DefaultMaxAttempts = 5
	DefaultKeyPrefix   = "execution:"

	keyStripes = 64
)

// RedisRecordStore is a RecordStore backed by Redis.
//
// Each record is one JSON value:
//
//	execution:<id>  => api.Record, TTL reset to the rolling window on every commit
//
// AtomicUpdate uses WATCH/MULTI/EXEC. Updates from goroutines of the same
// store to the same key are additionally serialized in-process so they do
// not burn the optimistic retry budget racing each other; conflicts with
// other processes are still resolved by the watch loop.
type RedisRecordStore struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxAttempts int
	log         *zap.SugaredLogger
	now         func() time.Time

	stripes [keyStripes]sync.Mutex
}

var _ RecordStore = (*RedisRecordStore)(nil)

// RedisOption configures a RedisRecordStore.
type RedisOption func(*RedisRecordStore)

// WithTTL overrides the rolling record TTL.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisRecordStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxAttempts overrides the optimistic retry budget.
func WithMaxAttempts(n int) RedisOption {
	return func(s *RedisRecordStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithKeyPrefix overrides the "execution:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisRecordStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for conflict warnings.
func WithLogger(l *zap.SugaredLogger) RedisOption {
	return func(s *RedisRecordStore) {
		s.log = logger.OrNop(l)
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisRecordStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisRecordStore creates a RedisRecordStore.
func NewRedisRecordStore(client redis.UniversalClient, opts ...RedisOption) *RedisRecordStore {
	s := &RedisRecordStore{
		client:      client,
		prefix:      DefaultKeyPrefix,
		ttl:         DefaultRecordTTL,
		maxAttempts: DefaultMaxAttempts,
		log:         logger.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the Redis key holding a record.
func (s *RedisRecordStore) Key(executionID string) string {
	return s.prefix + executionID
}

// Now returns the store's notion of the current time.
func (s *RedisRecordStore) Now() time.Time {
	return s.now().UTC()
}

func (s *RedisRecordStore) Create(ctx context.Context, nr api.NewRecord) (*api.Record, bool, error) {
	if nr.ExecutionID == "" {
		return nil, false, errors.New("execution id is required")
	}
	rec := &api.Record{
		ExecutionID:   nr.ExecutionID,
		UserID:        nr.UserID,
		ProjectID:     nr.ProjectID,
		Prompt:        nr.Prompt,
		CorrelationID: nr.CorrelationID,
		Status:        api.ExecutionInitializing,
		CurrentStage:  api.StageStart,
		PaymentStatus: api.PaymentPending,
		Metrics:       api.Metrics{StartTime: s.Now()},
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = nr.ExecutionID
	}
	rec.Normalize()

	data, err := EncodeRecord(rec)
	if err != nil {
		return nil, false, err
	}

	created, err := s.client.SetNX(ctx, s.Key(nr.ExecutionID), data, s.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "create execution record %s", nr.ExecutionID)
	}
	if created {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, nr.ExecutionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisRecordStore) Get(ctx context.Context, executionID string) (*api.Record, error) {
	data, err := s.client.Get(ctx, s.Key(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrRecordNotFound, "execution %s", executionID)
		}
		return nil, errors.Wrapf(err, "get execution record %s", executionID)
	}
	return DecodeRecord(data)
}

func (s *RedisRecordStore) Update(ctx context.Context, executionID string, p Patch) (*api.Record, error) {
	return s.AtomicUpdate(ctx, executionID, p.Apply)
}

func (s *RedisRecordStore) AtomicUpdate(ctx context.Context, executionID string, fn Mutator) (*api.Record, error) {
	mu := s.stripe(executionID)
	mu.Lock()
	defer mu.Unlock()

	key := s.Key(executionID)
	var committed *api.Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return errors.Wrapf(errors.ErrRecordNotFound, "execution %s", executionID)
			}
			return err
		}

		rec, err := DecodeRecord(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		payload, err := EncodeRecord(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetEx(ctx, key, payload, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		committed = rec
		return nil
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}

		s.log.Warnw("Concurrency conflict on execution record update, retrying",
			logger.FieldExecutionID, executionID,
			logger.FieldAttempt, attempt,
		)
		if attempt < s.maxAttempts {
			if err := sleepJitter(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, errors.Wrapf(errors.ErrConcurrencyExceeded,
		"execution %s after %d attempts", executionID, s.maxAttempts)
}

func (s *RedisRecordStore) stripe(executionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(executionID))
	return &s.stripes[h.Sum32()%keyStripes]
}

// sleepJitter spreads out competing writers from different processes.
func sleepJitter(ctx context.Context, attempt int) error {
	d := time.Duration(rand.Int64N(int64(attempt)*int64(5*time.Millisecond))) + time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
