package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
)

const (
	readyKey      = "ma:queue:ready"
	delayedKey    = "ma:queue:delayed"
	processingKey = "ma:queue:processing"
	deadlinesKey  = "ma:queue:deadlines"
	deadKey       = "ma:queue:dead"

	// promoteBatch bounds how many due or expired members one Reserve call
	// moves back to ready.
	promoteBatch = 128
)

// RedisQueue is the multi-node backend. Ready deliveries sit on a list,
// delayed ones on a sorted set scored by due time, leased ones on a
// processing list with their deadline mirrored in a second sorted set so
// crashed workers' deliveries become visible again.
type RedisQueue struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedis(ctx context.Context, brokerURL string, clk clock.Clock) (*RedisQueue, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing queue broker URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error connecting to queue broker: %w", err))
	}
	return &RedisQueue{client: client, clock: clk}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client *redis.Client, clk clock.Clock) *RedisQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisQueue{client: client, clock: clk}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	now := q.clock.Now().UTC()
	raw, _, err := encodePayload(jobID, attempt, now)
	if err != nil {
		return err
	}
	if delay > 0 {
		due := float64(now.Add(delay).UnixMilli())
		err = q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: raw}).Err()
	} else {
		err = q.client.LPush(ctx, readyKey, raw).Err()
	}
	if err != nil {
		return errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error enqueueing job: %w", err))
	}
	return nil
}

// promoteDue moves delayed members whose due time passed onto the ready list.
func (q *RedisQueue) promoteDue(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	pipe := q.client.TxPipeline()
	for _, member := range due {
		pipe.ZRem(ctx, delayedKey, member)
		pipe.LPush(ctx, readyKey, member)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// reapExpired requeues leased deliveries whose deadline passed, covering
// workers that died mid-run.
func (q *RedisQueue) reapExpired(ctx context.Context, now time.Time) error {
	expired, err := q.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil || len(expired) == 0 {
		return err
	}
	pipe := q.client.TxPipeline()
	for _, member := range expired {
		pipe.ZRem(ctx, deadlinesKey, member)
		pipe.LRem(ctx, processingKey, 1, member)
		pipe.LPush(ctx, readyKey, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metrics.Metrics.QueueRedeliveries.Add(float64(len(expired)))
	for _, member := range expired {
		if payload, err := decodePayload([]byte(member)); err == nil {
			log.Log(payload.JobID, "redelivering expired lease", "attempt", payload.Attempt)
		}
	}
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context, visibility time.Duration) (*Lease, error) {
	now := q.clock.Now().UTC()
	if err := q.promoteDue(ctx, now); err != nil {
		return nil, errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error promoting delayed jobs: %w", err))
	}
	if err := q.reapExpired(ctx, now); err != nil {
		return nil, errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error reaping expired leases: %w", err))
	}

	// A malformed payload is parked instead of poisoning the consumer, so a
	// few iterations may be needed to reach a good delivery.
	for i := 0; i < promoteBatch; i++ {
		raw, err := q.client.LMove(ctx, readyKey, processingKey, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error reserving job: %w", err))
		}
		payload, err := decodePayload([]byte(raw))
		if err != nil {
			if dlErr := q.deadLetterRaw(ctx, raw, err.Error()); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		deadline := now.Add(visibility)
		err = q.client.ZAdd(ctx, deadlinesKey, redis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: raw,
		}).Err()
		if err != nil {
			return nil, errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error recording lease deadline: %w", err))
		}
		return &Lease{Payload: payload, Deadline: deadline, raw: []byte(raw)}, nil
	}
	return nil, nil
}

func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, lease.raw)
	pipe.ZRem(ctx, deadlinesKey, lease.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error acking job: %w", err))
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	now := q.clock.Now().UTC()
	raw, _, err := encodePayload(lease.Payload.JobID, lease.Payload.Attempt+1, now)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, lease.raw)
	pipe.ZRem(ctx, deadlinesKey, lease.raw)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: raw})
	} else {
		pipe.LPush(ctx, readyKey, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error nacking job: %w", err))
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, lease *Lease, reason string) error {
	return q.deadLetterRaw(ctx, string(lease.raw), reason)
}

func (q *RedisQueue) deadLetterRaw(ctx context.Context, raw, reason string) error {
	payload, _ := decodePayload([]byte(raw))
	entry, err := json.Marshal(DeadLetter{
		Payload:      payload,
		Reason:       reason,
		DeadLetterAt: q.clock.Now().UTC(),
	})
	if err != nil {
		return errors.Tag(errors.KindInternal, err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, raw)
	pipe.ZRem(ctx, deadlinesKey, raw)
	pipe.LPush(ctx, deadKey, entry)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error dead-lettering job: %w", err))
	}
	metrics.Metrics.DeadLetteredCount.Inc()
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, errors.Tag(errors.KindStorageUnavailable, fmt.Errorf("error reading queue depth: %w", err))
	}
	return depth, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
