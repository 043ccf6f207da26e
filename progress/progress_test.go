package progress

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestReportThrottling(t *testing.T) {
	mock, accumulator, emitted, cleanup := setup(t)
	defer cleanup()

	accumulator.Accumulate(1)
	forward(mock, 1*time.Second)

	accumulator.Accumulate(1)
	forward(mock, 1*time.Second)

	require.Len(t, emitted.values(), 1)
}

func TestReportInterval(t *testing.T) {
	mock, accumulator, emitted, cleanup := setup(t)
	defer cleanup()

	accumulator.Accumulate(1)
	forward(mock, 1*time.Second)

	accumulator.Accumulate(1)
	forward(mock, 10*time.Second)

	require.Len(t, emitted.values(), 2)
}

func TestReportBucketChange(t *testing.T) {
	mock, accumulator, emitted, cleanup := setup(t)
	defer cleanup()

	accumulator.Accumulate(1)
	forward(mock, 1*time.Second)

	accumulator.Accumulate(25)
	forward(mock, 1*time.Second)

	require.Len(t, emitted.values(), 2)
}

func TestReportFastBucketChange(t *testing.T) {
	mock, accumulator, emitted, cleanup := setup(t)
	defer cleanup()

	accumulator.Accumulate(1)
	forward(mock, 1*time.Second)

	accumulator.Accumulate(25)
	forward(mock, 500*time.Millisecond)

	require.Len(t, emitted.values(), 1)
}

func TestReportCapsAtNinetyNine(t *testing.T) {
	mock, accumulator, emitted, cleanup := setup(t)
	defer cleanup()

	accumulator.Accumulate(200)
	forward(mock, 1*time.Second)

	values := emitted.values()
	require.Len(t, values, 1)
	require.Equal(t, 0.99, values[0])
}

func TestReadCounter(t *testing.T) {
	counter := NewReadCounter(strings.NewReader("0123456789"))
	buf := make([]byte, 4)

	n, err := counter.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint64(4), counter.Count())

	_, _ = counter.Read(buf)
	_, _ = counter.Read(buf)
	require.Equal(t, uint64(10), counter.Count())
}

type recorder struct {
	mu   sync.Mutex
	vals []float64
}

func (r *recorder) emit(fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals = append(r.vals, fraction)
}

func (r *recorder) values() []float64 {
	// give the report goroutine a chance to drain its tick
	time.Sleep(1 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64{}, r.vals...)
}

func setup(t *testing.T) (*clock.Mock, *Accumulator, *recorder, func()) {
	realClock := Clock
	mock := clock.NewMock()
	Clock = mock

	accumulator := NewAccumulator()
	emitted := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	go Report(ctx, "job-1", 100, accumulator.Size, emitted.emit)

	return mock, accumulator, emitted, func() {
		cancel()
		Clock = realClock
	}
}

func forward(mock *clock.Mock, duration time.Duration) {
	// give a chance to other goroutines to execute
	time.Sleep(1 * time.Millisecond)
	mock.Add(duration)
}
