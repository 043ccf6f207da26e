package bus

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/reelgrab/reel-api/metrics"
)

// Stage names the phase of an acquisition run. Each stage owns a fixed window
// of the global 0-100 progress scale so percentages from different phases
// never move backwards.
type Stage string

const (
	StagePreparing   Stage = "preparing"
	StageExtracting  Stage = "extracting"
	StageDownloading Stage = "downloading"
	StageUploading   Stage = "uploading"
	StageFinalizing  Stage = "finalizing"
)

// Band returns the global progress window owned by the stage.
func (s Stage) Band() (lo, hi float64) {
	switch s {
	case StagePreparing:
		return 0, 5
	case StageExtracting:
		return 5, 10
	case StageDownloading:
		return 10, 80
	case StageUploading:
		return 80, 99
	case StageFinalizing:
		return 99, 100
	default:
		return 0, 100
	}
}

// Scale maps a stage-local fraction in [0,1] onto the global progress scale.
func (s Stage) Scale(fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	lo, hi := s.Band()
	return lo + (hi-lo)*fraction
}

// Event is one progress update for a job. Terminal marks the last event of a
// topic; after it is published the topic is closed.
type Event struct {
	JobID    string    `json:"job_id"`
	Stage    Stage     `json:"stage"`
	Percent  float64   `json:"percent"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
	Terminal bool      `json:"terminal,omitempty"`
}

const (
	subscriberBuffer = 64
	snapshotTTL      = 24 * time.Hour
)

// Bus fans progress events out to per-job subscribers. Publishing never
// blocks: when a subscriber's buffer is full the oldest event is dropped to
// make room. The latest event per job is kept as a snapshot for 24 hours so
// late subscribers still see where a finished job ended up.
type Bus struct {
	mu        sync.Mutex
	topics    map[string][]*Subscription
	snapshots *cache.Cache
}

func New() *Bus {
	return &Bus{
		topics:    map[string][]*Subscription{},
		snapshots: cache.New(snapshotTTL, time.Hour),
	}
}

// Subscription is one reader of a job's progress topic. The channel is closed
// after the terminal event or when Close is called.
type Subscription struct {
	bus    *Bus
	jobID  string
	ch     chan Event
	closed bool
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	subs := s.bus.topics[s.jobID]
	out := subs[:0]
	for _, sub := range subs {
		if sub != s {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		delete(s.bus.topics, s.jobID)
	} else {
		s.bus.topics[s.jobID] = out
	}
	close(s.ch)
}

// Publish delivers the event to all subscribers of the job's topic and
// records it as the job's snapshot. A terminal event closes the topic.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.snapshots.Set(event.JobID, event, cache.DefaultExpiration)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.topics[event.JobID] {
		select {
		case sub.ch <- event:
		default:
			// Full buffer, drop the oldest event to keep the stream moving.
			select {
			case <-sub.ch:
				metrics.Metrics.ProgressDropsCount.Inc()
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	if event.Terminal {
		for _, sub := range b.topics[event.JobID] {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.topics, event.JobID)
	}
}

// Subscribe attaches a new reader to the job's topic. If the job already
// reached a terminal event, the returned subscription delivers the final
// snapshot and is immediately closed.
func (b *Bus) Subscribe(jobID string) *Subscription {
	if snap, ok := b.Snapshot(jobID); ok && snap.Terminal {
		ch := make(chan Event, 1)
		ch <- snap
		close(ch)
		return &Subscription{jobID: jobID, ch: ch, closed: true}
	}

	sub := &Subscription{bus: b, jobID: jobID, ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.topics[jobID] = append(b.topics[jobID], sub)
	b.mu.Unlock()
	return sub
}

// Snapshot returns the latest known event for the job.
func (b *Bus) Snapshot(jobID string) (Event, bool) {
	v, ok := b.snapshots.Get(jobID)
	if !ok {
		return Event{}, false
	}
	return v.(Event), true
}
