package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestSweepScratch(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "job-dead-beef-1")
	fresh := filepath.Join(root, "job-live-2")
	other := filepath.Join(root, "credentials")
	require.NoError(t, os.Mkdir(old, 0o700))
	require.NoError(t, os.Mkdir(fresh, 0o700))
	require.NoError(t, os.Mkdir(other, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(old, "media.mp4.part"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))

	stale := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	removed := SweepScratch(root, scratchMaxAge, clock.New())
	require.Equal(t, 1, removed)

	_, err := os.Stat(old)
	require.True(t, os.IsNotExist(err), "stale job dir must be removed")
	for _, path := range []string{fresh, other, filepath.Join(root, "keep.txt")} {
		_, err := os.Stat(path)
		require.NoError(t, err, "%s must survive the sweep", path)
	}
}

func TestSweepScratchMissingRoot(t *testing.T) {
	removed := SweepScratch(filepath.Join(t.TempDir(), "nope"), scratchMaxAge, clock.New())
	require.Zero(t, removed)
}
