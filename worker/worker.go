package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/clients"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/creds"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/extractor"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
	"github.com/reelgrab/reel-api/queue"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
	"golang.org/x/sync/errgroup"
)

const (
	pollInterval       = time.Second
	cancelPollInterval = 2 * time.Second

	// Internal errors are retriable but get fewer attempts: they indicate a
	// bug or a broken host, not a flaky source.
	internalAttemptCap = 2
)

// Runner drains the queue and executes acquisition jobs. All row mutations go
// through store.Transition so two runners can never own the same job.
type Runner struct {
	store     store.Store
	queue     queue.Queue
	storage   storage.Store
	bus       *bus.Bus
	creds     *creds.Store
	extractor extractor.Extractor
	webhooks  clients.WebhookClient
	cli       *config.Cli
	clock     clock.Clock
}

func New(cli *config.Cli, jobs store.Store, q queue.Queue, files storage.Store, b *bus.Bus, c *creds.Store, ex extractor.Extractor, clk clock.Clock) *Runner {
	return &Runner{
		store:     jobs,
		queue:     q,
		storage:   files,
		bus:       b,
		creds:     c,
		extractor: ex,
		webhooks:  clients.NewWebhookClient(),
		cli:       cli,
		clock:     clk,
	}
}

// Start runs the worker pool until ctx is cancelled. Leases held at shutdown
// are left to expire so another process can adopt the runs.
func (r *Runner) Start(ctx context.Context) error {
	SweepScratch(r.cli.ScratchDir, scratchMaxAge, r.clock)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cli.WorkerConcurrency; i++ {
		group.Go(func() error {
			r.loop(ctx)
			return nil
		})
	}
	return group.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	visibility := r.visibility()
	for ctx.Err() == nil {
		lease, err := r.queue.Reserve(ctx, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LogNoJobID("error reserving from queue", "error", err)
			r.sleep(ctx, pollInterval)
			continue
		}
		if lease == nil {
			r.sleep(ctx, pollInterval)
			continue
		}
		r.process(ctx, lease)
	}
}

func (r *Runner) visibility() time.Duration {
	return queue.VisibilityTimeout(r.cli.JobTimeout())
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := r.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process claims the delivered job and executes one attempt. Deliveries for
// unknown or terminal rows are acked and dropped, rows owned by a live
// worker are dropped without adoption.
func (r *Runner) process(ctx context.Context, lease *queue.Lease) {
	jobID := lease.Payload.JobID
	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()

	job, err := r.store.Load(ctx, jobID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			log.Log(jobID, "dropping delivery for unknown job")
			r.ack(ctx, lease)
			return
		}
		log.LogError(jobID, "error loading job, leaving delivery to expire", err)
		return
	}
	if job.Status.IsTerminal() {
		log.Log(jobID, "dropping stale delivery", "status", job.Status)
		r.ack(ctx, lease)
		return
	}

	switch job.Status {
	case store.StatusQueued:
		job, err = r.store.Transition(ctx, jobID, []store.Status{store.StatusQueued}, store.StatusRunning, store.Patch{
			IncrementAttempts: true,
			SetStartedAt:      true,
		})
	case store.StatusRunning:
		job, err = r.adopt(ctx, job)
	}
	if err != nil {
		if errors.IsKind(err, errors.KindConflict) {
			log.Log(jobID, "another worker owns this job, dropping delivery")
			r.ack(ctx, lease)
			return
		}
		log.LogError(jobID, "error claiming job, leaving delivery to expire", err)
		return
	}

	r.execute(ctx, lease, job)
}

// adopt takes over a running row whose worker died. The started_at guard
// makes sure exactly one of the competing redeliveries wins and that rows
// with a live owner are left alone.
func (r *Runner) adopt(ctx context.Context, job *store.Job) (*store.Job, error) {
	cutoff := r.clock.Now().Add(-r.visibility())
	zero := float64(0)
	adopted, err := r.store.Transition(ctx, job.ID, []store.Status{store.StatusRunning}, store.StatusRunning, store.Patch{
		SetStartedAt:    true,
		Progress:        &zero,
		IfStartedBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}
	log.Log(job.ID, "adopted orphaned run", "attempt", adopted.Attempts)
	return adopted, nil
}

func (r *Runner) execute(parent context.Context, lease *queue.Lease, job *store.Job) {
	start := r.clock.Now()
	log.AddContext(job.ID, "source_url", job.SourceURL)
	log.Log(job.ID, "starting attempt", "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	r.publishProgress(job.ID, bus.StagePreparing, bus.StagePreparing.Scale(0.5), fmt.Sprintf("attempt %d started", job.Attempts))

	ctx, cancel := context.WithTimeout(parent, r.cli.JobTimeout())
	defer cancel()
	var userCancelled atomic.Bool
	stopWatch := r.watchCancel(ctx, job.ID, cancel, &userCancelled)
	defer stopWatch()

	out, err := r.runAttempt(ctx, job)
	if err == nil {
		r.finishSuccess(parent, lease, job, out, start)
		return
	}
	r.finishFailure(parent, lease, job, err, userCancelled.Load(), start)
}

// watchCancel polls the cancel flag and tears down the attempt context when
// an operator asked for the job to stop.
func (r *Runner) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc, flagged *atomic.Bool) func() {
	ticker := r.clock.Ticker(cancelPollInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := r.store.CancelRequested(ctx, jobID)
				if err != nil {
					continue
				}
				if requested {
					log.Log(jobID, "cancel requested, stopping attempt")
					flagged.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

type outcome struct {
	artifacts []store.Artifact
	metadata  store.Metadata
}

func (r *Runner) runAttempt(ctx context.Context, job *store.Job) (*outcome, error) {
	scratch, err := os.MkdirTemp(r.cli.ScratchDir, "job-"+job.ID+"-")
	if err != nil {
		return nil, errors.Tagf(errors.KindInternal, "creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	result, err := r.extract(ctx, job, scratch)
	if err != nil {
		return nil, err
	}
	if err := r.validateMedia(ctx, job, result); err != nil {
		return nil, err
	}
	r.ensureThumbnail(job, scratch, result)

	artifacts, err := r.uploadArtifacts(ctx, job, result)
	if err != nil {
		return nil, err
	}
	return &outcome{artifacts: artifacts, metadata: result.Metadata}, nil
}

// extract runs the extractor, holding a credential handle for the whole
// invocation when the job asked for one. An auth failure marks the bundle
// bad; when that promotes the backup the extraction is retried once within
// the same attempt.
func (r *Runner) extract(ctx context.Context, job *store.Job, scratch string) (*extractor.Result, error) {
	onProgress := func(stage bus.Stage, percent float64, message string) {
		r.publishProgress(job.ID, stage, percent, message)
	}

	authRetried := false
	for {
		cookiesPath, fingerprint, release, err := r.materializeCredentials(ctx, job)
		if err != nil {
			return nil, err
		}
		runStart := r.clock.Now()
		result, err := r.extractor.Run(ctx, extractor.Request{
			JobID:       job.ID,
			URL:         job.SourceURL,
			Options:     job.Options,
			CookiesPath: cookiesPath,
			ScratchDir:  scratch,
			OnProgress:  onProgress,
		})
		release()
		if err == nil {
			metrics.Metrics.ExtractorRunsCount.WithLabelValues("success").Inc()
			metrics.Metrics.ExtractorDuration.Observe(r.clock.Since(runStart).Seconds())
			return result, nil
		}
		kind := errors.KindOf(err)
		metrics.Metrics.ExtractorRunsCount.WithLabelValues(string(kind)).Inc()

		if kind == errors.KindAuthRequired && fingerprint != "" && !authRetried {
			rotated, markErr := r.creds.MarkBad(ctx, fingerprint, err.Error())
			if markErr != nil {
				log.LogError(job.ID, "error reporting bad credentials", markErr)
			}
			if rotated {
				authRetried = true
				log.Log(job.ID, "credential bundle rotated, retrying extraction in the same attempt")
				if resetErr := resetScratch(scratch); resetErr == nil {
					continue
				}
			}
		}
		return nil, err
	}
}

func (r *Runner) materializeCredentials(ctx context.Context, job *store.Job) (path, fingerprint string, release func(), err error) {
	release = func() {}
	if !job.Options.UseCredentials || r.creds == nil {
		return "", "", release, nil
	}
	handle, err := r.creds.GetActive(ctx)
	if err != nil {
		if stderrors.Is(err, creds.ErrNoCredentials) {
			log.Log(job.ID, "no credentials installed, extracting anonymously")
			return "", "", release, nil
		}
		return "", "", release, err
	}
	log.Log(job.ID, "using credential bundle", "fingerprint", handle.Fingerprint())
	return handle.Path(), handle.Fingerprint(), func() {
		if err := handle.Close(); err != nil {
			log.LogError(job.ID, "error releasing credential handle", err)
		}
	}, nil
}

func resetScratch(scratch string) error {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(scratch, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) finishSuccess(ctx context.Context, lease *queue.Lease, job *store.Job, out *outcome, start time.Time) {
	full := float64(100)
	updated, err := r.store.Transition(ctx, job.ID, []store.Status{store.StatusRunning}, store.StatusSucceeded, store.Patch{
		Progress:      &full,
		SetFinishedAt: true,
		Metadata:      &out.metadata,
		Artifacts:     out.artifacts,
	})
	if err != nil {
		log.LogError(job.ID, "error finalizing succeeded job, leaving delivery to expire", err)
		return
	}
	r.publishTerminal(updated)
	r.ack(ctx, lease)
	r.sendWebhook(updated)
	r.observeTerminal(updated, start)
	log.Log(job.ID, "job succeeded", "attempts", updated.Attempts, "artifacts", len(updated.Artifacts))
}

func (r *Runner) finishFailure(ctx context.Context, lease *queue.Lease, job *store.Job, runErr error, userCancelled bool, start time.Time) {
	kind := errors.KindOf(runErr)

	if kind == errors.KindCancelled {
		if !userCancelled {
			// Process shutdown, not an operator cancel. Leave the row running
			// so the redelivered payload gets adopted by a live worker.
			log.Log(job.ID, "attempt interrupted by shutdown, leaving delivery to expire")
			return
		}
		updated, err := r.store.Transition(ctx, job.ID, []store.Status{store.StatusRunning}, store.StatusCancelled, store.Patch{
			SetFinishedAt: true,
			ClearCancel:   true,
		})
		if err != nil {
			log.LogError(job.ID, "error finalizing cancelled job, leaving delivery to expire", err)
			return
		}
		r.publishTerminal(updated)
		r.ack(ctx, lease)
		r.sendWebhook(updated)
		r.observeTerminal(updated, start)
		log.Log(job.ID, "job cancelled", "attempts", updated.Attempts)
		return
	}

	message := runErr.Error()
	attemptCap := job.MaxAttempts
	if kind == errors.KindInternal && attemptCap > internalAttemptCap {
		attemptCap = internalAttemptCap
	}
	// An explicit unretriable mark from a lower layer overrides the kind's
	// default retry policy.
	retriable := kind.Retriable() && !errors.IsUnretriable(runErr)
	exhausted := job.Attempts >= attemptCap

	if retriable && !exhausted {
		if _, err := r.store.Transition(ctx, job.ID, []store.Status{store.StatusRunning}, store.StatusQueued, store.Patch{}); err != nil {
			log.LogError(job.ID, "error requeueing job, leaving delivery to expire", err)
			return
		}
		delay := queue.RetryBackoff(job.Attempts)
		if err := r.queue.Nack(ctx, lease, delay); err != nil {
			log.LogError(job.ID, "error nacking delivery", err)
		}
		log.Log(job.ID, "attempt failed, requeued", "kind", kind, "attempt", job.Attempts, "delay", delay, "error", message)
		return
	}

	updated, err := r.store.Transition(ctx, job.ID, []store.Status{store.StatusRunning}, store.StatusFailed, store.Patch{
		SetFinishedAt: true,
		ClearCancel:   true,
		Error:         &store.ErrorInfo{Kind: kind, Message: message},
	})
	if err != nil {
		log.LogError(job.ID, "error finalizing failed job, leaving delivery to expire", err)
		return
	}
	r.publishTerminal(updated)
	if retriable && exhausted {
		if err := r.queue.DeadLetter(ctx, lease, message); err != nil {
			log.LogError(job.ID, "error dead-lettering delivery", err)
		}
	} else {
		r.ack(ctx, lease)
	}
	r.sendWebhook(updated)
	r.observeTerminal(updated, start)
	log.Log(job.ID, "job failed", "kind", kind, "attempts", updated.Attempts, "error", message)
}

func (r *Runner) publishProgress(jobID string, stage bus.Stage, percent float64, message string) {
	r.bus.Publish(bus.Event{
		JobID:   jobID,
		Stage:   stage,
		Percent: percent,
		Message: message,
		At:      r.clock.Now(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.TouchProgress(ctx, jobID, percent); err != nil {
		log.LogError(jobID, "error persisting progress", err)
	}
}

func (r *Runner) publishTerminal(job *store.Job) {
	r.bus.Publish(bus.Event{
		JobID:    job.ID,
		Stage:    bus.StageFinalizing,
		Percent:  job.Progress,
		Message:  string(job.Status),
		At:       r.clock.Now(),
		Terminal: true,
	})
}

func (r *Runner) sendWebhook(job *store.Job) {
	if job.Options.CallbackURL == "" {
		return
	}
	msg := clients.CompletionMessage{
		JobID:     job.ID,
		Status:    string(job.Status),
		Artifacts: job.Artifacts,
	}
	if job.Error != nil {
		msg.Error = fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Message)
	}
	if err := r.webhooks.SendCompletion(job.Options.CallbackURL, msg); err != nil {
		metrics.Metrics.WebhookCount.WithLabelValues("failed").Inc()
		log.LogError(job.ID, "error sending completion webhook", err)
	}
}

func (r *Runner) observeTerminal(job *store.Job, fallbackStart time.Time) {
	metrics.Metrics.JobsCompletedCount.WithLabelValues(string(job.Status)).Inc()
	metrics.Metrics.JobAttemptsCount.Observe(float64(job.Attempts))
	duration := r.clock.Since(fallbackStart)
	if job.StartedAt != nil && job.FinishedAt != nil {
		duration = job.FinishedAt.Sub(*job.StartedAt)
	}
	metrics.Metrics.JobDurationSec.WithLabelValues(string(job.Status)).Observe(duration.Seconds())
}

func (r *Runner) ack(ctx context.Context, lease *queue.Lease) {
	if err := r.queue.Ack(ctx, lease); err != nil {
		log.LogNoJobID("error acking delivery", "job_id", lease.Payload.JobID, "error", err)
	}
}

// QueueDepthLoop keeps the queue depth gauge current. Runs until ctx is done.
func (r *Runner) QueueDepthLoop(ctx context.Context, interval time.Duration) {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := r.queue.Depth(ctx)
			if err != nil {
				continue
			}
			metrics.Metrics.QueueDepth.Set(float64(depth))
		}
	}
}
