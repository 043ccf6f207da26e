package worker

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/log"
)

const scratchMaxAge = 24 * time.Hour

// SweepScratch removes scratch dirs left behind by crashed runs. Only dirs
// matching the job-* naming and untouched for maxAge are removed, so runs in
// flight on other processes sharing the scratch root survive.
func SweepScratch(root string, maxAge time.Duration, clk clock.Clock) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.LogNoJobID("error sweeping scratch root", "root", root, "error", err)
		}
		return 0
	}
	cutoff := clk.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "job-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.LogNoJobID("error removing stale scratch dir", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.LogNoJobID("removed stale scratch dirs", "count", removed, "root", root)
	}
	return removed
}
