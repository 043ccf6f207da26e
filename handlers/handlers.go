package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/pipeline"
	"github.com/reelgrab/reel-api/storage"
)

// ReelAPIHandlersCollection serves the public job API. Files is only set when
// the local storage backend is active; the router skips the download route
// for object store deployments, which hand out presigned URLs instead.
type ReelAPIHandlersCollection struct {
	Coordinator *pipeline.Coordinator
	Bus         *bus.Bus
	Files       *storage.Local
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.LogNoJobID("Failed to write HTTP response", "error", err)
	}
}
