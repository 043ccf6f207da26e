package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/store"
	"github.com/stretchr/testify/require"
)

func dialProgress(t *testing.T, server *httptest.Server, jobID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/jobs/" + jobID + "/progress"
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestJobProgressStreamsEvents(t *testing.T) {
	d, _ := newTestHandlers(t)
	router := testRouter(d)
	server := httptest.NewServer(router)
	defer server.Close()

	submitted := submitViaAPI(t, router)

	conn, _, err := dialProgress(t, server, submitted.ID)
	require.NoError(t, err)
	defer conn.Close()

	// The first frame is synthesized from the queued row, no worker has
	// published anything yet.
	var snapshot bus.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, submitted.ID, snapshot.JobID)
	require.Equal(t, bus.StagePreparing, snapshot.Stage)
	require.Equal(t, string(store.StatusQueued), snapshot.Message)
	require.False(t, snapshot.Terminal)

	d.Bus.Publish(bus.Event{JobID: submitted.ID, Stage: bus.StageDownloading, Percent: 42})

	var event bus.Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, bus.StageDownloading, event.Stage)
	require.Equal(t, 42.0, event.Percent)

	d.Bus.Publish(bus.Event{JobID: submitted.ID, Stage: bus.StageFinalizing, Percent: 100, Message: "succeeded", Terminal: true})

	var terminal bus.Event
	require.NoError(t, conn.ReadJSON(&terminal))
	require.True(t, terminal.Terminal)
	require.Equal(t, "succeeded", terminal.Message)

	// The server closes the stream after the terminal event.
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestJobProgressLateSubscriberGetsTerminalSnapshot(t *testing.T) {
	d, _ := newTestHandlers(t)
	router := testRouter(d)
	server := httptest.NewServer(router)
	defer server.Close()

	submitted := submitViaAPI(t, router)
	d.Bus.Publish(bus.Event{JobID: submitted.ID, Stage: bus.StageFinalizing, Percent: 100, Message: "succeeded", Terminal: true})

	conn, _, err := dialProgress(t, server, submitted.ID)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot bus.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.True(t, snapshot.Terminal)
	require.Equal(t, "succeeded", snapshot.Message)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestJobProgressUnknownJobRejectsUpgrade(t *testing.T) {
	d, _ := newTestHandlers(t)
	router := testRouter(d)
	server := httptest.NewServer(router)
	defer server.Close()

	conn, resp, err := dialProgress(t, server, "no-such-job")
	require.Error(t, err)
	require.Nil(t, conn)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStageForPercent(t *testing.T) {
	require.Equal(t, bus.StagePreparing, stageForPercent(0))
	require.Equal(t, bus.StageExtracting, stageForPercent(7))
	require.Equal(t, bus.StageDownloading, stageForPercent(40))
	require.Equal(t, bus.StageUploading, stageForPercent(90))
	require.Equal(t, bus.StageFinalizing, stageForPercent(99.5))
}

func TestSnapshotFromJobTerminalRow(t *testing.T) {
	job := &store.Job{ID: "job-1", Status: store.StatusFailed, Progress: 40}
	event := snapshotFromJob(job)
	require.True(t, event.Terminal)
	require.Equal(t, bus.StageFinalizing, event.Stage)
	require.Equal(t, 40.0, event.Percent)
	require.Equal(t, string(store.StatusFailed), event.Message)
}
