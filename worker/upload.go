package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/extractor"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
	"github.com/reelgrab/reel-api/progress"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
)

const uploadTimeout = 10 * time.Minute

type plannedUpload struct {
	artifact store.Artifact
	path     string // file on disk, empty for inline bodies
	body     []byte
}

// uploadArtifacts streams the run's files into storage, media first, then
// subtitles, thumbnail and the metadata document. Bytes moved are reported
// into the uploading progress band.
func (r *Runner) uploadArtifacts(ctx context.Context, job *store.Job, result *extractor.Result) ([]store.Artifact, error) {
	plan, err := planUploads(job.ID, result)
	if err != nil {
		return nil, err
	}

	var total uint64
	for i := range plan {
		if plan[i].path != "" {
			fi, err := os.Stat(plan[i].path)
			if err != nil {
				return nil, errors.Tagf(errors.KindInternal, "stat artifact %s: %w", plan[i].path, err)
			}
			plan[i].artifact.SizeBytes = fi.Size()
		} else {
			plan[i].artifact.SizeBytes = int64(len(plan[i].body))
		}
		total += uint64(plan[i].artifact.SizeBytes)
	}

	tracker := newUploadTracker()
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go progress.Report(reportCtx, job.ID, total, tracker.Count, func(fraction float64) {
		r.publishProgress(job.ID, bus.StageUploading, bus.StageUploading.Scale(fraction), "uploading artifacts")
	})
	r.publishProgress(job.ID, bus.StageUploading, bus.StageUploading.Scale(0), "uploading artifacts")

	artifacts := make([]store.Artifact, 0, len(plan))
	for _, item := range plan {
		if err := r.uploadOne(ctx, job.ID, item, tracker); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, item.artifact)
	}
	r.publishProgress(job.ID, bus.StageUploading, bus.StageUploading.Scale(1), "artifacts uploaded")
	return artifacts, nil
}

func planUploads(jobID string, result *extractor.Result) ([]plannedUpload, error) {
	title := result.Metadata.Title

	plan := []plannedUpload{{
		path: result.MediaFile,
		artifact: store.Artifact{
			Type:        store.ArtifactMedia,
			StorageKey:  storage.MediaKey(jobID, title, extOf(result.MediaFile)),
			ContentType: contentTypeFor(result.MediaFile),
		},
	}}

	langs := make([]string, 0, len(result.Subtitles))
	for lang := range result.Subtitles {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		plan = append(plan, plannedUpload{
			path: result.Subtitles[lang],
			artifact: store.Artifact{
				Type:        store.ArtifactSubtitle,
				Language:    lang,
				StorageKey:  storage.SubtitleKey(jobID, title, lang),
				ContentType: "application/x-subrip",
			},
		})
	}

	if result.Thumbnail != "" {
		plan = append(plan, plannedUpload{
			path: result.Thumbnail,
			artifact: store.Artifact{
				Type:        store.ArtifactThumbnail,
				StorageKey:  storage.ThumbnailKey(jobID, extOf(result.Thumbnail)),
				ContentType: contentTypeFor(result.Thumbnail),
			},
		})
	}

	metaBody, err := json.Marshal(result.Metadata)
	if err != nil {
		return nil, errors.Tagf(errors.KindInternal, "encoding metadata artifact: %w", err)
	}
	plan = append(plan, plannedUpload{
		body: metaBody,
		artifact: store.Artifact{
			Type:        store.ArtifactMetadata,
			StorageKey:  storage.MetadataKey(jobID),
			ContentType: "application/json",
		},
	})
	return plan, nil
}

func (r *Runner) uploadOne(ctx context.Context, jobID string, item plannedUpload, tracker *uploadTracker) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var body io.Reader
	if item.path != "" {
		f, err := os.Open(item.path)
		if err != nil {
			return errors.Tagf(errors.KindInternal, "opening artifact %s: %w", item.path, err)
		}
		defer f.Close()
		counter := progress.NewReadCounter(f)
		tracker.begin(counter)
		body = readSeeker{Reader: counter, seeker: f}
	} else {
		br := bytes.NewReader(item.body)
		counter := progress.NewReadCounter(br)
		tracker.begin(counter)
		body = readSeeker{Reader: counter, seeker: br}
	}

	start := r.clock.Now()
	err := r.storage.Put(ctx, item.artifact.StorageKey, body, item.artifact.ContentType)
	tracker.finish(uint64(item.artifact.SizeBytes))
	if err != nil {
		return err
	}
	metrics.Metrics.UploadedBytesCount.Add(float64(item.artifact.SizeBytes))
	metrics.Metrics.UploadDurationSec.Observe(r.clock.Since(start).Seconds())
	log.Log(jobID, "uploaded artifact", "type", item.artifact.Type, "key", item.artifact.StorageKey, "bytes", item.artifact.SizeBytes)
	return nil
}

// readSeeker pairs a counting reader with the underlying seeker so storage
// backends can rewind the body for in-attempt retries.
type readSeeker struct {
	io.Reader
	seeker io.Seeker
}

func (r readSeeker) Seek(offset int64, whence int) (int64, error) {
	return r.seeker.Seek(offset, whence)
}

// uploadTracker totals bytes across sequential artifact uploads so a single
// report loop covers the whole batch. Rewound retries briefly overcount; the
// reported fraction is capped below 1 anyway.
type uploadTracker struct {
	mu      sync.Mutex
	done    *progress.Accumulator
	current *progress.ReadCounter
}

func newUploadTracker() *uploadTracker {
	return &uploadTracker{done: progress.NewAccumulator()}
}

func (t *uploadTracker) begin(counter *progress.ReadCounter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = counter
}

func (t *uploadTracker) finish(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done.Accumulate(size)
	t.current = nil
}

func (t *uploadTracker) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		return t.done.Size() + t.current.Count()
	}
	return t.done.Size()
}

// extOf returns the lowercased file extension without the leading dot.
func extOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".srt":
		return "application/x-subrip"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
