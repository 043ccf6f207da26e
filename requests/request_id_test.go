package requests

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRequestIDHonorsHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/jobs", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	require.Equal(t, "upstream-id", GetRequestID(req))
}

func TestGetRequestIDMintsOnce(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/jobs", nil)
	id := GetRequestID(req)
	require.Len(t, id, 8)
	require.Equal(t, id, GetRequestID(req), "repeated lookups must return the same ID")
}

func TestSetOnResponseEchoesID(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/jobs", nil)
	rec := httptest.NewRecorder()
	id := SetOnResponse(rec, req)
	require.Equal(t, id, rec.Header().Get("X-Request-ID"))
}
