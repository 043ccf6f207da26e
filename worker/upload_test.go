package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reelgrab/reel-api/extractor"
	"github.com/reelgrab/reel-api/progress"
	"github.com/reelgrab/reel-api/store"
	"github.com/stretchr/testify/require"
)

func TestPlanUploads(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "media.MP4")
	require.NoError(t, os.WriteFile(media, []byte("m"), 0o644))
	subEN := filepath.Join(dir, "media.en.srt")
	require.NoError(t, os.WriteFile(subEN, []byte("s"), 0o644))
	subDE := filepath.Join(dir, "media.de.srt")
	require.NoError(t, os.WriteFile(subDE, []byte("s"), 0o644))
	thumb := filepath.Join(dir, "media.webp")
	require.NoError(t, os.WriteFile(thumb, []byte("t"), 0o644))

	result := &extractor.Result{
		Metadata:  store.Metadata{Title: "Cats / Dogs: The Reckoning"},
		MediaFile: media,
		Subtitles: map[string]string{"en": subEN, "de": subDE},
		Thumbnail: thumb,
	}
	plan, err := planUploads("job-1", result)
	require.NoError(t, err)
	require.Len(t, plan, 5)

	require.Equal(t, store.ArtifactMedia, plan[0].artifact.Type)
	require.Equal(t, "jobs/job-1/Cats Dogs: The Reckoning.mp4", plan[0].artifact.StorageKey)
	require.Equal(t, "video/mp4", plan[0].artifact.ContentType)

	// Subtitles come in language order regardless of map iteration.
	require.Equal(t, "de", plan[1].artifact.Language)
	require.Equal(t, "jobs/job-1/subtitles/Cats Dogs: The Reckoning.de.srt", plan[1].artifact.StorageKey)
	require.Equal(t, "en", plan[2].artifact.Language)
	require.Equal(t, "application/x-subrip", plan[2].artifact.ContentType)

	require.Equal(t, store.ArtifactThumbnail, plan[3].artifact.Type)
	require.Equal(t, "jobs/job-1/thumbnail.webp", plan[3].artifact.StorageKey)

	require.Equal(t, store.ArtifactMetadata, plan[4].artifact.Type)
	require.Equal(t, "jobs/job-1/metadata.json", plan[4].artifact.StorageKey)
	require.Contains(t, string(plan[4].body), "Cats / Dogs: The Reckoning", "metadata keeps the raw title")
}

func TestPlanUploadsAudioOnly(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "media.m4a")
	require.NoError(t, os.WriteFile(media, []byte("m"), 0o644))

	plan, err := planUploads("job-2", &extractor.Result{
		Metadata:  store.Metadata{Title: "Podcast"},
		MediaFile: media,
	})
	require.NoError(t, err)
	require.Len(t, plan, 2, "media plus metadata only")
	require.Equal(t, "jobs/job-2/Podcast.m4a", plan[0].artifact.StorageKey)
	require.Equal(t, "audio/mp4", plan[0].artifact.ContentType)
	require.Equal(t, "jobs/job-2/metadata.json", plan[1].artifact.StorageKey)
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"a.mp4":     "video/mp4",
		"a.WebM":    "video/webm",
		"a.mkv":     "video/x-matroska",
		"a.m4a":     "audio/mp4",
		"a.mp3":     "audio/mpeg",
		"a.opus":    "audio/ogg",
		"a.srt":     "application/x-subrip",
		"a.jpg":     "image/jpeg",
		"a.webp":    "image/webp",
		"a.json":    "application/json",
		"a.unknown": "application/octet-stream",
	}
	for path, want := range tests {
		require.Equal(t, want, contentTypeFor(path), "path %s", path)
	}
}

func TestUploadTracker(t *testing.T) {
	tracker := newUploadTracker()
	require.Zero(t, tracker.Count())

	counter := progress.NewReadCounter(strings.NewReader("0123456789"))
	tracker.begin(counter)
	buf := make([]byte, 4)
	_, err := counter.Read(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(4), tracker.Count(), "in-flight bytes count")

	tracker.finish(10)
	require.Equal(t, uint64(10), tracker.Count(), "finished uploads count at full size")

	second := progress.NewReadCounter(strings.NewReader("abc"))
	tracker.begin(second)
	_, err = second.Read(buf[:2])
	require.NoError(t, err)
	require.Equal(t, uint64(12), tracker.Count())
}
