package worker

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/extractor"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/store"
	"github.com/reelgrab/reel-api/thumbnails"
)

const probeTimeout = 30 * time.Second

// validateMedia rejects empty downloads and sanity-checks the container with
// ffprobe. A probe failure only warns: a missing ffprobe binary must not
// fail production jobs. A probed duration fills in metadata the source
// platform did not report.
func (r *Runner) validateMedia(ctx context.Context, job *store.Job, result *extractor.Result) error {
	fi, err := os.Stat(result.MediaFile)
	if err != nil {
		return errors.Tagf(errors.KindInternal, "stat media file: %w", err)
	}
	if fi.Size() == 0 {
		return errors.Tagf(errors.KindExtractorTransient, "extractor produced an empty media file")
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	data, err := ffprobe.ProbeURL(probeCtx, result.MediaFile)
	if err != nil {
		log.LogError(job.ID, "ffprobe validation skipped", err, "file", result.MediaFile)
		return nil
	}
	probed := data.Format.DurationSeconds
	expected := result.Metadata.DurationSeconds
	if expected > 0 && probed > 0 && math.Abs(probed-expected) > expected*0.1+5 {
		log.Log(job.ID, "media duration differs from source metadata", "probed_seconds", probed, "expected_seconds", expected)
	}
	if expected == 0 && probed > 0 {
		result.Metadata.DurationSeconds = probed
	}
	return nil
}

// ensureThumbnail renders a frame with ffmpeg when the source platform did
// not provide a thumbnail. Best effort, a failure only logs.
func (r *Runner) ensureThumbnail(job *store.Job, scratch string, result *extractor.Result) {
	if result.Thumbnail != "" || job.Options.AudioOnly || !r.cli.ThumbnailFallback {
		return
	}
	thumb := filepath.Join(scratch, "thumbnail.jpg")
	if err := thumbnails.Generate(result.MediaFile, thumb); err != nil {
		log.LogError(job.ID, "thumbnail fallback failed", err)
		return
	}
	log.Log(job.ID, "generated fallback thumbnail", "file", thumb)
	result.Thumbnail = thumb
}
