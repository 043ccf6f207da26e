package progress

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/log"
)

var Clock = clock.New()

var reportBuckets = []float64{0, 0.25, 0.5, 0.75, 1}

const minReportInterval = 10 * time.Second
const checkInterval = 1 * time.Second

// Report polls a byte counter once a second and forwards the fraction of
// size consumed so far. Updates are throttled: one every ten seconds, or
// sooner when progress crosses a quarter bucket. The fraction is capped at
// 0.99, reaching 1.0 is the caller's call to make. Runs until ctx is done.
func Report(ctx context.Context, jobID string, size uint64, getCount func() uint64, emit func(fraction float64)) {
	defer func() {
		if r := recover(); r != nil {
			log.LogError(jobID, fmt.Sprintf("panic reporting progress: value=%q stack:\n%s", r, string(debug.Stack())), fmt.Errorf("panic reporting progress"))
		}
	}()
	if size == 0 || emit == nil {
		return
	}
	var (
		timer        = Clock.Ticker(checkInterval)
		lastFraction = float64(0)
		lastReport   time.Time
	)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fraction := calcFraction(getCount(), size)
			if Clock.Since(lastReport) < minReportInterval &&
				bucketOf(fraction) == bucketOf(lastFraction) {
				continue
			}
			emit(fraction)
			lastReport, lastFraction = Clock.Now(), fraction
		}
	}
}

func calcFraction(count, size uint64) (val float64) {
	val = float64(count) / float64(size)
	val = math.Round(val*1000) / 1000
	val = math.Min(val, 0.99)
	return
}

func bucketOf(fraction float64) int {
	return sort.SearchFloat64s(reportBuckets, fraction)
}

// Accumulator totals bytes across several sequential readers so one Report
// loop can cover a whole batch of uploads.
type Accumulator struct {
	size uint64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Size() uint64 {
	return atomic.LoadUint64(&a.size)
}

func (a *Accumulator) Accumulate(size uint64) {
	atomic.AddUint64(&a.size, size)
}
