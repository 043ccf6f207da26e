package pipeline

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/extractor"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
	"github.com/reelgrab/reel-api/queue"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
)

// EstimatedSeconds is the flat completion estimate quoted on submissions.
// Acquisition time varies too much with the source to predict per job, so the
// API hands back one coarse figure.
const EstimatedSeconds = 300

// artifactURLTTL caps how long the download URLs handed out on reads stay
// valid.
const artifactURLTTL = 15 * time.Minute

// SubmitRequest is one acquisition submission. Caller is the identity the
// HTTP layer resolved for the request and is recorded on the row as-is.
type SubmitRequest struct {
	SourceURL string        `json:"source_url"`
	Options   store.Options `json:"options"`
	Caller    string        `json:"caller,omitempty"`
}

// Coordinator owns the job lifecycle outside the worker loop: submissions,
// reads, cancellation and manual retries. It should be called directly from
// the API handlers and never does the heavy lifting itself; accepted work is
// handed to the workers through the queue.
type Coordinator struct {
	cli   *config.Cli
	store store.Store
	queue queue.Queue
	bus   *bus.Bus
	files storage.Store
}

func NewCoordinator(cli *config.Cli, jobs store.Store, q queue.Queue, b *bus.Bus, files storage.Store) *Coordinator {
	return &Coordinator{
		cli:   cli,
		store: jobs,
		queue: q,
		bus:   b,
		files: files,
	}
}

// Submit validates and canonicalizes the submission, persists a queued row
// and publishes a delivery for it. Nothing is persisted when validation
// fails. When the row exists but the delivery cannot be published, the row is
// failed immediately so no queued job lingers that no delivery will ever
// reach.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	canonical, host, err := CanonicalizeURL(req.SourceURL)
	if err != nil {
		return nil, err
	}
	if !c.cli.HostAllowed(host) {
		return nil, errors.Tagf(errors.KindInvalidInput, "host %q is not on the allow-list", host)
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, err
	}

	job := &store.Job{
		ID:          uuid.New().String(),
		SourceURL:   canonical,
		Caller:      req.Caller,
		Status:      store.StatusQueued,
		Options:     req.Options,
		MaxAttempts: c.cli.MaxAttempts,
	}
	if err := c.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := c.queue.Enqueue(ctx, job.ID, 1, 0); err != nil {
		if _, ferr := c.store.Transition(ctx, job.ID, []store.Status{store.StatusQueued}, store.StatusFailed, store.Patch{
			SetFinishedAt: true,
			Error:         &store.ErrorInfo{Kind: errors.KindInternal, Message: "job could not be queued"},
		}); ferr != nil {
			log.LogError(job.ID, "error failing job after enqueue failure", ferr)
		}
		return nil, err
	}

	metrics.Metrics.JobsSubmittedCount.Inc()
	log.Log(job.ID, "job submitted", "source", canonical, "caller", req.Caller)
	return job, nil
}

// Get loads one job with its artifact download URLs filled in.
func (c *Coordinator) Get(ctx context.Context, id string) (*store.Job, error) {
	job, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.fillArtifactURLs(job)
	return job, nil
}

// List returns a page of jobs, newest first. The store clamps the page size.
func (c *Coordinator) List(ctx context.Context, filter store.Filter) ([]store.Job, string, error) {
	jobs, next, err := c.store.List(ctx, filter)
	if err != nil {
		return nil, "", err
	}
	for i := range jobs {
		c.fillArtifactURLs(&jobs[i])
	}
	return jobs, next, nil
}

// Cancel stops a job. Queued rows go terminal right away, running rows get
// the cooperative flag and the worker finalizes at its next checkpoint.
// Finished rows return Conflict.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*store.Job, error) {
	job, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case store.StatusQueued:
		updated, err := c.store.Transition(ctx, id, []store.Status{store.StatusQueued}, store.StatusCancelled, store.Patch{
			SetFinishedAt: true,
		})
		if errors.IsKind(err, errors.KindConflict) {
			// A worker claimed the row between the load and the transition.
			return c.cancelRunning(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		// The stale delivery stays queued; workers drop deliveries for
		// terminal rows.
		c.publishTerminal(updated)
		log.Log(id, "job cancelled")
		return updated, nil
	case store.StatusRunning:
		return c.cancelRunning(ctx, id)
	default:
		return nil, errors.Tagf(errors.KindConflict, "job is already %s", job.Status)
	}
}

func (c *Coordinator) cancelRunning(ctx context.Context, id string) (*store.Job, error) {
	job, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != store.StatusRunning {
		return nil, errors.Tagf(errors.KindConflict, "job is already %s", job.Status)
	}
	if err := c.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	job.CancelRequested = true
	log.Log(id, "cancel requested")
	return job, nil
}

// Retry puts a failed job back on the queue. The attempts count is preserved
// and the next claim increments it, so the rerun counts against max_attempts
// like any other attempt.
func (c *Coordinator) Retry(ctx context.Context, id string) (*store.Job, error) {
	job, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != store.StatusFailed {
		return nil, errors.Tagf(errors.KindConflict, "only failed jobs can be retried, job is %s", job.Status)
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, errors.Tagf(errors.KindConflict, "job used all %d attempts", job.MaxAttempts)
	}

	zero := float64(0)
	updated, err := c.store.Transition(ctx, id, []store.Status{store.StatusFailed}, store.StatusQueued, store.Patch{
		Progress:      &zero,
		ClearError:    true,
		ClearFinished: true,
	})
	if err != nil {
		return nil, err
	}

	attempt := updated.Attempts
	if attempt < 1 {
		// Rows failed before their first claim have no attempts yet.
		attempt = 1
	}
	if err := c.queue.Enqueue(ctx, id, attempt, 0); err != nil {
		// Put the failure back so the retry can be tried again later.
		if _, ferr := c.store.Transition(ctx, id, []store.Status{store.StatusQueued}, store.StatusFailed, store.Patch{
			SetFinishedAt: true,
			Error:         job.Error,
		}); ferr != nil {
			log.LogError(id, "error restoring failed status after enqueue failure", ferr)
		}
		return nil, err
	}

	log.Log(id, "job requeued", "attempts", updated.Attempts, "max_attempts", updated.MaxAttempts)
	return updated, nil
}

func (c *Coordinator) publishTerminal(job *store.Job) {
	c.bus.Publish(bus.Event{
		JobID:    job.ID,
		Stage:    bus.StageFinalizing,
		Percent:  job.Progress,
		Message:  string(job.Status),
		Terminal: true,
	})
}

// fillArtifactURLs decorates stored artifacts with time-limited download
// URLs. Backends with no public URL surface (local storage without a
// configured base URL) leave the field empty rather than failing the read.
func (c *Coordinator) fillArtifactURLs(job *store.Job) {
	for i := range job.Artifacts {
		signed, err := c.files.URLFor(job.Artifacts[i].StorageKey, artifactURLTTL)
		if err != nil {
			return
		}
		job.Artifacts[i].URL = signed
	}
}

// CanonicalizeURL normalizes a submitted URL so equivalent submissions store
// and log identically: scheme and host are lowercased, fragments, default
// ports and tracking parameters (utm_*, fbclid, si) dropped, the remaining
// query re-encoded in sorted order. The URL must be absolute http or https.
// The second return value is the hostname for allow-list matching.
func CanonicalizeURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.Tagf(errors.KindInvalidInput, "source url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Tagf(errors.KindInvalidInput, "unparseable source url: %v", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", errors.Tagf(errors.KindInvalidInput, "source url must be absolute http or https")
	}
	if u.Host == "" {
		return "", "", errors.Tagf(errors.KindInvalidInput, "source url has no host")
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		query := u.Query()
		for key := range query {
			if isTrackingParam(key) {
				delete(query, key)
			}
		}
		u.RawQuery = query.Encode()
	}
	return u.String(), u.Hostname(), nil
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	return strings.HasPrefix(key, "utm_") || key == "fbclid" || key == "si"
}

func validateOptions(opts store.Options) error {
	if !extractor.QualityAllowed(opts.Quality) {
		return errors.Tagf(errors.KindInvalidInput, "unknown quality %q", opts.Quality)
	}
	if !extractor.FormatAllowed(opts.OutputFormat, opts.AudioOnly) {
		return errors.Tagf(errors.KindInvalidInput, "unknown output format %q", opts.OutputFormat)
	}
	if opts.CallbackURL != "" {
		cb, err := url.Parse(opts.CallbackURL)
		if err != nil || (cb.Scheme != "http" && cb.Scheme != "https") || cb.Host == "" {
			return errors.Tagf(errors.KindInvalidInput, "callback url must be absolute http or https")
		}
	}
	return nil
}
