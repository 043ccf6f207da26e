package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	defer sub.Close()

	b.Publish(Event{JobID: "job-1", Stage: StageDownloading, Percent: 42})
	b.Publish(Event{JobID: "job-2", Stage: StageDownloading, Percent: 99})

	event := <-sub.C()
	require.Equal(t, "job-1", event.JobID)
	require.Equal(t, 42.0, event.Percent)
	require.False(t, event.At.IsZero())

	select {
	case e := <-sub.C():
		t.Fatalf("received event for wrong job: %+v", e)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	defer sub.Close()

	for i := 1; i <= subscriberBuffer+6; i++ {
		b.Publish(Event{JobID: "job-1", Percent: float64(i)})
	}

	// The first six events were dropped to make room for the newest ones.
	first := <-sub.C()
	require.Equal(t, 7.0, first.Percent)

	var last Event
	for i := 0; i < subscriberBuffer-1; i++ {
		last = <-sub.C()
	}
	require.Equal(t, float64(subscriberBuffer+6), last.Percent)
}

func TestTerminalEventClosesTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")

	b.Publish(Event{JobID: "job-1", Stage: StageFinalizing, Percent: 100, Terminal: true})

	event, ok := <-sub.C()
	require.True(t, ok)
	require.True(t, event.Terminal)

	_, ok = <-sub.C()
	require.False(t, ok, "channel should be closed after the terminal event")

	// Closing an already-terminated subscription must not panic.
	sub.Close()
}

func TestLateSubscriberGetsTerminalSnapshot(t *testing.T) {
	b := New()
	b.Publish(Event{JobID: "job-1", Stage: StageFinalizing, Percent: 100, Message: "succeeded", Terminal: true})

	sub := b.Subscribe("job-1")
	event, ok := <-sub.C()
	require.True(t, ok)
	require.True(t, event.Terminal)
	require.Equal(t, "succeeded", event.Message)

	_, ok = <-sub.C()
	require.False(t, ok)
}

func TestSnapshotTracksLatest(t *testing.T) {
	b := New()
	_, ok := b.Snapshot("job-1")
	require.False(t, ok)

	b.Publish(Event{JobID: "job-1", Stage: StagePreparing, Percent: 2})
	b.Publish(Event{JobID: "job-1", Stage: StageDownloading, Percent: 55})

	snap, ok := b.Snapshot("job-1")
	require.True(t, ok)
	require.Equal(t, StageDownloading, snap.Stage)
	require.Equal(t, 55.0, snap.Percent)
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	other := b.Subscribe("job-1")
	defer other.Close()

	sub.Close()
	b.Publish(Event{JobID: "job-1", Percent: 10})

	_, ok := <-sub.C()
	require.False(t, ok)

	event := <-other.C()
	require.Equal(t, 10.0, event.Percent)
}

func TestStageBands(t *testing.T) {
	require.Equal(t, 10.0, StageDownloading.Scale(0))
	require.Equal(t, 80.0, StageDownloading.Scale(1))
	require.Equal(t, 45.0, StageDownloading.Scale(0.5))
	require.Equal(t, 80.0, StageUploading.Scale(0))
	require.Equal(t, 99.0, StageUploading.Scale(1))

	// Fractions outside [0,1] clamp to the band edges.
	require.Equal(t, 10.0, StageDownloading.Scale(-0.5))
	require.Equal(t, 80.0, StageDownloading.Scale(1.5))
}
