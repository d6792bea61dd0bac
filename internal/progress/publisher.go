package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

const (
	channelPrefix   = "build:progress:"
	statePrefix     = "build:state:"
	DefaultStateTTL = time.Hour
)

func ChannelKey(executionID string) string { return channelPrefix + executionID }
func StateKey(executionID string) string   { return statePrefix + executionID }

// RedisPublisher stores the latest snapshot per execution and publishes
// every update on a per-execution channel.
type RedisPublisher struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewRedisPublisher(client redis.UniversalClient, ttl time.Duration, log *zap.SugaredLogger) *RedisPublisher {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisPublisher{
		client: client,
		ttl:    ttl,
		log:    logger.OrNop(log).With(logger.FieldComponent, "progress"),
	}
}

// Publish never fails the caller; errors are logged.
func (p *RedisPublisher) Publish(ctx context.Context, rec *api.Record) {
	if rec == nil {
		return
	}
	if err := p.PublishSnapshot(ctx, FromRecord(rec)); err != nil {
		p.log.Warnw("progress_publish_failed",
			logger.FieldExecutionID, rec.ExecutionID,
			logger.FieldError, err,
		)
	}
}

// PublishSnapshot writes and broadcasts one snapshot.
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode progress snapshot")
	}
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, StateKey(snap.ExecutionID), raw, p.ttl)
		pipe.Publish(ctx, ChannelKey(snap.ExecutionID), raw)
		return nil
	})
	return err
}

// Latest returns the stored snapshot, or Pending when none exists.
func (p *RedisPublisher) Latest(ctx context.Context, executionID string) (Snapshot, error) {
	raw, err := p.client.Get(ctx, StateKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending(executionID), nil
	}
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "read build state for %s", executionID)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, errors.Wrapf(err, "decode build state for %s", executionID)
	}
	return snap, nil
}

// Subscribe streams snapshots for one execution until ctx is done. The
// subscription is confirmed before Subscribe returns. The channel is
// closed when ctx ends or the connection drops.
func (p *RedisPublisher) Subscribe(ctx context.Context, executionID string) (<-chan Snapshot, error) {
	ps := p.client.Subscribe(ctx, ChannelKey(executionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe to progress for %s", executionID)
	}

	out := make(chan Snapshot, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					p.log.Debugw("progress_decode_failed", logger.FieldError, err)
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
