package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisTestQueue(t *testing.T) (*RedisQueue, *redis.Client, *clock.Mock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewRedisWithClient(client, mock), client, mock
}

func TestRedisRoundtrip(t *testing.T) {
	q, client, _ := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 1, 0))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	lease, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "job-1", lease.Payload.JobID)

	// While leased the delivery sits on the processing list.
	processing, err := client.LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), processing)

	require.NoError(t, q.Ack(ctx, lease))
	processing, err = client.LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), processing)

	deadlines, err := client.ZCard(ctx, deadlinesKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), deadlines)
}

func TestRedisDelayedPromotion(t *testing.T) {
	q, _, mock := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 1, 2*time.Minute))

	lease, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Nil(t, lease)

	mock.Add(3 * time.Minute)
	lease, err = q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "job-1", lease.Payload.JobID)
}

func TestRedisExpiredLeaseReaped(t *testing.T) {
	q, _, mock := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 1, 0))
	lease, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	mock.Add(6 * time.Minute)
	redelivered, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, "job-1", redelivered.Payload.JobID)
	require.Equal(t, 1, redelivered.Payload.Attempt)
}

func TestRedisNack(t *testing.T) {
	q, _, mock := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 1, 0))
	lease, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, lease, time.Minute))

	hidden, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Nil(t, hidden)

	mock.Add(2 * time.Minute)
	retried, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, retried)
	require.Equal(t, 2, retried.Payload.Attempt)
}

func TestRedisMalformedPayloadDeadLettered(t *testing.T) {
	q, client, _ := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, readyKey, "definitely not json").Err())

	lease, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Nil(t, lease)

	dead, err := client.LLen(ctx, deadKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), dead)
}

func TestRedisDeadLetter(t *testing.T) {
	q, client, _ := newRedisTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 3, 0))
	lease, err := q.Reserve(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, lease, "max attempts exhausted"))

	dead, err := client.LRange(ctx, deadKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0], "max attempts exhausted")
	require.Contains(t, dead[0], "job-1")

	processing, err := client.LLen(ctx, processingKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), processing)
}
