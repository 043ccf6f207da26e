package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/metrics"
)

func encodePayload(jobID string, attempt int, enqueuedAt time.Time) ([]byte, Payload, error) {
	payload := Payload{JobID: jobID, Attempt: attempt, EnqueuedAt: enqueuedAt.UTC()}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Payload{}, errors.Tag(errors.KindInternal, err)
	}
	return raw, payload, nil
}

type memoryItem struct {
	raw      []byte
	payload  Payload
	due      time.Time
	deadline time.Time
}

// MemoryQueue is the in-process backend for single-node deployments and
// tests. Semantics mirror the Redis backend: delayed items become visible at
// their due time and leased items are redelivered after the deadline passes.
type MemoryQueue struct {
	mu       sync.Mutex
	clock    clock.Clock
	ready    []*memoryItem
	delayed  []*memoryItem
	inflight map[string]*memoryItem
	dead     []DeadLetter
}

// DeadLetter is one parked delivery with the reason it was given up on.
type DeadLetter struct {
	Payload      Payload   `json:"payload"`
	Reason       string    `json:"reason"`
	DeadLetterAt time.Time `json:"dead_lettered_at"`
}

func NewMemory(clk clock.Clock) *MemoryQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryQueue{
		clock:    clk,
		inflight: map[string]*memoryItem{},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	now := q.clock.Now().UTC()
	raw, payload, err := encodePayload(jobID, attempt, now)
	if err != nil {
		return err
	}
	item := &memoryItem{raw: raw, payload: payload, due: now.Add(delay)}

	q.mu.Lock()
	defer q.mu.Unlock()
	if delay > 0 {
		q.delayed = append(q.delayed, item)
	} else {
		q.ready = append(q.ready, item)
	}
	return nil
}

// promote moves due delayed items and expired leases back to ready. Callers
// hold the lock.
func (q *MemoryQueue) promote(now time.Time) {
	remaining := q.delayed[:0]
	for _, item := range q.delayed {
		if !item.due.After(now) {
			q.ready = append(q.ready, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	q.delayed = remaining

	for key, item := range q.inflight {
		if !item.deadline.After(now) {
			delete(q.inflight, key)
			q.ready = append(q.ready, item)
			metrics.Metrics.QueueRedeliveries.Inc()
		}
	}
}

func (q *MemoryQueue) Reserve(ctx context.Context, visibility time.Duration) (*Lease, error) {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(now)
	if len(q.ready) == 0 {
		return nil, nil
	}
	item := q.ready[0]
	q.ready = q.ready[1:]
	item.deadline = now.Add(visibility)
	q.inflight[string(item.raw)] = item

	return &Lease{Payload: item.payload, Deadline: item.deadline, raw: item.raw}, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, string(lease.raw))
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	now := q.clock.Now().UTC()
	raw, payload, err := encodePayload(lease.Payload.JobID, lease.Payload.Attempt+1, now)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, string(lease.raw))
	item := &memoryItem{raw: raw, payload: payload, due: now.Add(delay)}
	if delay > 0 {
		q.delayed = append(q.delayed, item)
	} else {
		q.ready = append(q.ready, item)
	}
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, lease *Lease, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, string(lease.raw))
	q.dead = append(q.dead, DeadLetter{
		Payload:      lease.Payload,
		Reason:       reason,
		DeadLetterAt: q.clock.Now().UTC(),
	})
	metrics.Metrics.DeadLetteredCount.Inc()
	return nil
}

// DeadLetters returns a copy of the parked deliveries.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(q.clock.Now().UTC())
	return int64(len(q.ready)), nil
}

func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }
