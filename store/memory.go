package store

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/errors"
)

// MemoryStore keeps jobs in process memory. It backs single-node deployments
// and tests; its transition semantics are the reference for the SQL store.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	clock clock.Clock
}

func NewMemory(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		jobs:  map[string]*Job{},
		clock: clk,
	}
}

func (m *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errors.Tagf(errors.KindInvalidInput, "job id is required")
	}
	if !job.Status.IsValid() {
		return errors.Tagf(errors.KindInvalidInput, "invalid status %q", job.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errors.Tagf(errors.KindConflict, "job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.clock.Now().UTC()
	}
	m.jobs[job.ID] = job.clone()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	return job.clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]Job, string, error) {
	limit := normalizeLimit(filter.Limit)

	m.mu.Lock()
	all := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		all = append(all, job)
	}
	m.mu.Unlock()

	// Newest first, id as tiebreak so pagination is stable. Creation times
	// compare at the cursor's millisecond precision so the sort and the keyset
	// condition agree on ordering.
	sort.Slice(all, func(i, j int) bool {
		ci, cj := all[i].CreatedAt.UnixMilli(), all[j].CreatedAt.UnixMilli()
		if ci != cj {
			return ci > cj
		}
		return all[i].ID > all[j].ID
	})

	start := 0
	if filter.Cursor != "" {
		ms, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		for i, job := range all {
			created := job.CreatedAt.UnixMilli()
			if created < ms || (created == ms && job.ID < id) {
				start = i
				break
			}
			start = len(all)
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]Job, 0, end-start)
	for _, job := range all[start:end] {
		page = append(page, *job.clone())
	}

	next := ""
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, next, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, fromStates []Status, to Status, patch Patch) (*Job, error) {
	if err := validateTransition(fromStates, to); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}

	matched := false
	for _, from := range fromStates {
		if job.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return nil, errors.Tagf(errors.KindConflict, "job %s is %s, expected one of %v", id, job.Status, fromStates)
	}
	if patch.IfStartedBefore != nil {
		if job.StartedAt == nil || !job.StartedAt.Before(*patch.IfStartedBefore) {
			return nil, errors.Tagf(errors.KindConflict, "job %s start time is not stale", id)
		}
	}

	now := m.clock.Now().UTC()
	job.Status = to
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.IncrementAttempts {
		job.Attempts++
	}
	if patch.SetStartedAt {
		t := now
		job.StartedAt = &t
	}
	if patch.SetFinishedAt {
		t := now
		job.FinishedAt = &t
	}
	if patch.ClearFinished {
		job.FinishedAt = nil
	}
	if patch.Metadata != nil {
		md := *patch.Metadata
		job.Metadata = &md
	}
	if patch.Artifacts != nil {
		job.Artifacts = append([]Artifact(nil), patch.Artifacts...)
	}
	if patch.Error != nil {
		e := *patch.Error
		job.Error = &e
	}
	if patch.ClearError {
		job.Error = nil
	}
	if patch.ClearCancel {
		job.CancelRequested = false
	}
	return job.clone(), nil
}

func (m *MemoryStore) TouchProgress(ctx context.Context, id string, percent float64) error {
	percent, ok := clampProgress(percent)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, found := m.jobs[id]
	if !found {
		return errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	if job.Status != StatusRunning || percent <= job.Progress {
		return nil
	}
	job.Progress = percent
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	job.CancelRequested = true
	return nil
}

func (m *MemoryStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	return job.CancelRequested, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
