package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/reelgrab/reel-api/storage"
	"github.com/stretchr/testify/require"
)

func newFileRouter(t *testing.T, signingKey string) (*httprouter.Router, *storage.Local) {
	t.Helper()
	base, err := url.Parse("http://127.0.0.1/files")
	require.NoError(t, err)
	files, err := storage.NewLocal(t.TempDir(), base, signingKey)
	require.NoError(t, err)

	d := &ReelAPIHandlersCollection{Files: files}
	router := httprouter.New()
	router.GET("/files/*filepath", d.ServeArtifact())
	return router, files
}

func TestServeArtifactWithSignedToken(t *testing.T) {
	router, files := newFileRouter(t, "test-signing-key")
	key := "jobs/job-1/video.mp4"
	require.NoError(t, files.Put(context.Background(), key, strings.NewReader("media bytes"), "video/mp4"))

	// A URL produced by the storage layer round-trips through the handler.
	signed, err := files.URLFor(key, time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/"+key+"?token="+url.QueryEscape(token), nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "media bytes", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "video.mp4")
}

func TestServeArtifactRejectsMissingToken(t *testing.T) {
	router, files := newFileRouter(t, "test-signing-key")
	key := "jobs/job-1/video.mp4"
	require.NoError(t, files.Put(context.Background(), key, strings.NewReader("media bytes"), "video/mp4"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/"+key, nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeArtifactRejectsTokenForOtherKey(t *testing.T) {
	router, files := newFileRouter(t, "test-signing-key")
	require.NoError(t, files.Put(context.Background(), "jobs/job-1/video.mp4", strings.NewReader("media"), "video/mp4"))
	require.NoError(t, files.Put(context.Background(), "jobs/job-2/video.mp4", strings.NewReader("other"), "video/mp4"))

	signed, err := files.URLFor("jobs/job-1/video.mp4", time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/jobs/job-2/video.mp4?token="+url.QueryEscape(u.Query().Get("token")), nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeArtifactUnsignedStore(t *testing.T) {
	router, files := newFileRouter(t, "")
	key := "jobs/job-1/metadata.json"
	require.NoError(t, files.Put(context.Background(), key, strings.NewReader(`{"title":"x"}`), "application/json"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/"+key, nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"title":"x"}`, rec.Body.String())
}

func TestServeArtifactRejectsTraversal(t *testing.T) {
	router, _ := newFileRouter(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/"+url.PathEscape("../secrets.txt"), nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
