package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/store"
)

const (
	progressWriteWait = 10 * time.Second
	progressPingEvery = 30 * time.Second
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is gated by the bearer token, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// JobProgress upgrades to a WebSocket and streams the job's progress events,
// starting with the latest known snapshot. The connection closes after the
// terminal event.
func (d *ReelAPIHandlersCollection) JobProgress() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		job, err := d.Coordinator.Get(req.Context(), id)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load job", err)
			return
		}

		// Subscribe before the upgrade so no event published during the
		// handshake is missed.
		sub := d.Bus.Subscribe(id)
		defer sub.Close()

		conn, err := progressUpgrader.Upgrade(w, req, nil)
		if err != nil {
			log.LogError(id, "websocket upgrade failed", err)
			return
		}
		defer conn.Close()

		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			conn.SetReadLimit(512)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		snapshot, ok := d.Bus.Snapshot(id)
		if !ok {
			snapshot = snapshotFromJob(job)
		}
		if err := writeEvent(conn, snapshot); err != nil {
			return
		}
		if snapshot.Terminal {
			closeNormally(conn)
			return
		}

		ticker := time.NewTicker(progressPingEvery)
		defer ticker.Stop()

		for {
			select {
			case event, open := <-sub.C():
				if !open {
					closeNormally(conn)
					return
				}
				if err := writeEvent(conn, event); err != nil {
					return
				}
				if event.Terminal {
					closeNormally(conn)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-clientGone:
				return
			}
		}
	}
}

// snapshotFromJob builds a progress event from the persisted row, for
// subscribers arriving before the first worker event or after the bus
// snapshot expired.
func snapshotFromJob(job *store.Job) bus.Event {
	event := bus.Event{
		JobID:   job.ID,
		Stage:   stageForPercent(job.Progress),
		Percent: job.Progress,
		Message: string(job.Status),
		At:      time.Now().UTC(),
	}
	if job.Status.IsTerminal() {
		event.Stage = bus.StageFinalizing
		event.Terminal = true
	}
	return event
}

// stageForPercent maps a persisted percentage back to the stage owning that
// band.
func stageForPercent(percent float64) bus.Stage {
	switch {
	case percent < 5:
		return bus.StagePreparing
	case percent < 10:
		return bus.StageExtracting
	case percent < 80:
		return bus.StageDownloading
	case percent < 99:
		return bus.StageUploading
	default:
		return bus.StageFinalizing
	}
}

func writeEvent(conn *websocket.Conn, event bus.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
	return conn.WriteJSON(event)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(progressWriteWait))
}
