package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/pipeline"
	"github.com/reelgrab/reel-api/store"
	"github.com/xeipuuv/gojsonschema"
)

// The schema checks the request shape; value-level rules (quality ladder,
// container/audio combinations, the host allow-list) live in the coordinator
// so their errors can name the offending value.
var SubmitJobRequestSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"source_url": {"type": "string", "minLength": 1},
		"caller": {"type": "string"},
		"options": {
			"properties": {
				"quality": {"type": "string"},
				"output_format": {"type": "string"},
				"audio_only": {"type": "boolean"},
				"include_subtitles": {"type": "boolean"},
				"subtitle_languages": {
					"items": {"type": "string"},
					"type": "array"
				},
				"use_credentials": {"type": "boolean"},
				"callback_url": {"type": "string"}
			},
			"additionalProperties": false,
			"type": "object"
		}
	},
	"additionalProperties": false,
	"required": [
		"source_url"
	]
}`

type SubmitJobResponse struct {
	store.Job
	EstimatedSeconds int `json:"estimated_seconds"`
}

type ListJobsResponse struct {
	Jobs       []store.Job `json:"jobs"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (d *ReelAPIHandlersCollection) SubmitJob() httprouter.Handle {
	schema := inputSchemasCompiled["SubmitJob"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var submitRequest pipeline.SubmitRequest

		if !HasContentType(req, "application/json") {
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		} else if payload, err := io.ReadAll(req.Body); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		} else if result, err := schema.Validate(gojsonschema.NewBytesLoader(payload)); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		} else if !result.Valid() {
			errors.WriteHTTPBadBodySchema("SubmitJob", w, result.Errors())
			return
		} else if err := json.Unmarshal(payload, &submitRequest); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		job, err := d.Coordinator.Submit(req.Context(), submitRequest)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot submit job", err)
			return
		}

		writeJSON(w, http.StatusCreated, SubmitJobResponse{Job: *job, EstimatedSeconds: pipeline.EstimatedSeconds})
	}
}

func (d *ReelAPIHandlersCollection) GetJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		job, err := d.Coordinator.Get(req.Context(), params.ByName("id"))
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load job", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (d *ReelAPIHandlersCollection) ListJobs() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		query := req.URL.Query()
		filter := store.Filter{Cursor: query.Get("cursor")}

		if status := query.Get("status"); status != "" {
			filter.Status = store.Status(status)
			if !filter.Status.IsValid() {
				errors.WriteHTTPBadRequest(w, fmt.Sprintf("unknown status %q", status), nil)
				return
			}
		}
		if raw := query.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				errors.WriteHTTPBadRequest(w, "limit must be a positive integer", nil)
				return
			}
			filter.Limit = limit
		}

		jobs, next, err := d.Coordinator.List(req.Context(), filter)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot list jobs", err)
			return
		}
		if jobs == nil {
			jobs = []store.Job{}
		}
		writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, NextCursor: next})
	}
}

func (d *ReelAPIHandlersCollection) CancelJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		job, err := d.Coordinator.Cancel(req.Context(), params.ByName("id"))
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot cancel job", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (d *ReelAPIHandlersCollection) RetryJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		job, err := d.Coordinator.Retry(req.Context(), params.ByName("id"))
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot retry job", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
