package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOKHandler(t *testing.T) {
	d, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	d.Ok()(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestHasContentType(t *testing.T) {
	tests := []struct {
		contentType string
		mimetype    string
		want        bool
	}{
		{"application/json", "application/json", true},
		{"application/json; charset=utf-8", "application/json", true},
		{"text/plain", "application/json", false},
		{"", "application/json", false},
		{"", "application/octet-stream", true},
		{"json", "application/json", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		require.Equal(t, tt.want, HasContentType(req, tt.mimetype), "content type %q", tt.contentType)
	}
}
