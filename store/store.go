package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/errors"
)

// Patch is the set of field updates applied atomically with a status
// transition. Nil pointer fields are left untouched.
type Patch struct {
	Progress          *float64
	IncrementAttempts bool
	SetStartedAt      bool
	SetFinishedAt     bool
	ClearFinished     bool
	Metadata          *Metadata
	Artifacts         []Artifact
	Error             *ErrorInfo
	ClearError        bool
	ClearCancel       bool

	// IfStartedBefore makes the transition conditional on started_at being
	// strictly older than the given instant. Used to serialize adoption of
	// runs whose worker died, so only one worker wins the row.
	IfStartedBefore *time.Time
}

// Filter selects jobs for List. Cursor is the opaque token returned by a
// previous List call.
type Filter struct {
	Status Status
	Cursor string
	Limit  int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store persists jobs. Transition is the only way to change a job's status:
// it compares the current status against fromStates and applies the patch in
// the same atomic step, so concurrent workers cannot both win a row.
//
// Legal transitions are queued->running, running->succeeded, running->failed,
// running->cancelled, running->queued (requeue after a retryable failure),
// queued->cancelled, queued->failed (enqueue failure), failed->queued (manual
// retry) and running->running (adoption of a crashed run). Terminal rows never
// change again.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Load(ctx context.Context, id string) (*Job, error)
	// List returns jobs newest first plus a cursor for the next page, empty
	// when the listing is exhausted.
	List(ctx context.Context, filter Filter) ([]Job, string, error)
	// Transition atomically moves the job from one of fromStates to the given
	// status, applying patch. It returns the updated job, or a Conflict error
	// when the current status is not in fromStates (or the IfStartedBefore
	// guard rejects), leaving the row unchanged.
	Transition(ctx context.Context, id string, fromStates []Status, to Status, patch Patch) (*Job, error)
	// TouchProgress records a progress percentage for a running job. Values
	// lower than the stored one and values outside [0,99] are dropped
	// silently, keeping the persisted percentage monotone.
	TouchProgress(ctx context.Context, id string, percent float64) error
	// RequestCancel flags a job for cooperative cancellation. The worker
	// observes the flag at its next checkpoint.
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// New builds a Store from a DSN. An empty DSN or "memory" selects the
// in-process store, postgres:// and postgresql:// URLs (or key=value DSNs)
// select Postgres, anything else is treated as a SQLite file path.
func New(ctx context.Context, dsn string, clk clock.Clock) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(clk), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return NewSQL(ctx, dialectPostgres, dsn, clk)
	default:
		return NewSQL(ctx, dialectSQLite, dsn, clk)
	}
}

func validateTransition(fromStates []Status, to Status) error {
	if !to.IsValid() {
		return errors.Tagf(errors.KindInvalidInput, "invalid target status %q", to)
	}
	if len(fromStates) == 0 {
		return errors.Tagf(errors.KindInvalidInput, "transition requires at least one from state")
	}
	for _, from := range fromStates {
		if !from.IsValid() {
			return errors.Tagf(errors.KindInvalidInput, "invalid from status %q", from)
		}
		if from.IsTerminal() {
			return errors.Tagf(errors.KindInvalidInput, "terminal status %q cannot transition", from)
		}
	}
	return nil
}

func clampProgress(percent float64) (float64, bool) {
	if percent < 0 || percent >= 100 {
		return 0, false
	}
	if percent > 99 {
		percent = 99
	}
	return percent, true
}

// encodeCursor packs the keyset position (creation instant plus id tiebreak)
// into an opaque token.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixMilli(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", errors.Tagf(errors.KindInvalidInput, "malformed cursor")
	}
	millis, id, found := strings.Cut(string(raw), "|")
	if !found {
		return 0, "", errors.Tagf(errors.KindInvalidInput, "malformed cursor")
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return 0, "", errors.Tagf(errors.KindInvalidInput, "malformed cursor")
	}
	return ms, id, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
