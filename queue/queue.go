package queue

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/errors"
)

// Payload is the wire format of one queued delivery. Consumers ignore unknown
// fields so the format can grow without breaking older workers.
type Payload struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func decodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errors.Tagf(errors.KindInvalidInput, "malformed queue payload: %v", err)
	}
	if p.JobID == "" {
		return Payload{}, errors.Tagf(errors.KindInvalidInput, "queue payload is missing job_id")
	}
	if p.Attempt < 1 {
		return Payload{}, errors.Tagf(errors.KindInvalidInput, "queue payload has invalid attempt %d", p.Attempt)
	}
	return p, nil
}

// Lease is one reserved delivery. The holder must finish it with exactly one
// of Ack, Nack or DeadLetter before the deadline, otherwise the delivery
// becomes visible again and another worker picks it up.
type Lease struct {
	Payload  Payload
	Deadline time.Time

	// raw is the exact bytes held by the backend, used to locate the
	// delivery on ack and nack.
	raw []byte
}

// Queue is an at-least-once delivery queue for job IDs. Duplicates can
// occur; consumers deduplicate through the job store.
type Queue interface {
	// Enqueue publishes a delivery for the job, optionally delayed.
	Enqueue(ctx context.Context, jobID string, attempt int, delay time.Duration) error
	// Reserve leases the next visible delivery for the given visibility
	// window. It returns (nil, nil) when the queue is empty.
	Reserve(ctx context.Context, visibility time.Duration) (*Lease, error)
	// Ack removes a finished delivery.
	Ack(ctx context.Context, lease *Lease) error
	// Nack schedules the delivery to run again after delay, with the attempt
	// counter bumped.
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error
	// DeadLetter parks the delivery on the dead letter queue for inspection.
	DeadLetter(ctx context.Context, lease *Lease, reason string) error
	// Depth reports the number of immediately runnable deliveries.
	Depth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// New builds the queue backend selected by the configuration.
func New(ctx context.Context, cli *config.Cli, clk clock.Clock) (Queue, error) {
	switch cli.QueueBackend {
	case config.QueueBackendMemory, "":
		return NewMemory(clk), nil
	case config.QueueBackendBroker:
		return NewRedis(ctx, cli.QueueBrokerURL, clk)
	default:
		return nil, errors.Tagf(errors.KindInvalidInput, "unknown queue backend %q", cli.QueueBackend)
	}
}

const (
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 10 * time.Minute
	retryJitter      = 0.2

	visibilityFloor = 5 * time.Minute
	visibilityCap   = time.Hour
)

// RetryBackoff returns the requeue delay after the given failed attempt,
// doubling from 30s up to 10m with 20% jitter so retry storms spread out.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := retryBackoffBase
	for i := 1; i < attempt && backoff < retryBackoffCap; i++ {
		backoff *= 2
	}
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(backoff) * jitter)
}

// VisibilityTimeout sizes the redelivery deadline from the expected job
// duration: twice the estimate, never under 5m or over 1h.
func VisibilityTimeout(expected time.Duration) time.Duration {
	visibility := 2 * expected
	if visibility < visibilityFloor {
		visibility = visibilityFloor
	}
	if visibility > visibilityCap {
		visibility = visibilityCap
	}
	return visibility
}
