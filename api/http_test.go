package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/pipeline"
	"github.com/reelgrab/reel-api/queue"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
	"github.com/stretchr/testify/require"
)

func newTestRouterDeps(t *testing.T) (*config.Cli, *pipeline.Coordinator, *bus.Bus, storage.Store) {
	t.Helper()
	base, err := url.Parse("https://dl.example.com/files")
	require.NoError(t, err)
	files, err := storage.NewLocal(t.TempDir(), base, "")
	require.NoError(t, err)

	cli := &config.Cli{
		APIToken:     "secret-token",
		MaxAttempts:  3,
		AllowedHosts: []string{"videos.example.com"},
	}
	b := bus.New()
	coord := pipeline.NewCoordinator(cli, store.NewMemory(nil), queue.NewMemory(nil), b, files)
	return cli, coord, b, files
}

func TestRouterServesHealthcheckWithoutAuth(t *testing.T) {
	cli, coord, b, files := newTestRouterDeps(t)
	router := NewReelAPIRouter(cli, coord, b, files)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestRouterRequiresAuthOnJobRoutes(t *testing.T) {
	cli, coord, b, files := newTestRouterDeps(t)
	router := NewReelAPIRouter(cli, coord, b, files)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRegistersFilesRouteForLocalBackend(t *testing.T) {
	cli, coord, b, files := newTestRouterDeps(t)
	router := NewReelAPIRouter(cli, coord, b, files)

	handle, _, _ := router.Lookup(http.MethodGet, "/files/jobs/x/video.mp4")
	require.NotNil(t, handle)
}

// fakeObjectStore stands in for the S3 backend; none of its methods run here.
type fakeObjectStore struct {
	storage.Store
}

func TestRouterSkipsFilesRouteForObjectBackend(t *testing.T) {
	cli, coord, b, _ := newTestRouterDeps(t)
	router := NewReelAPIRouter(cli, coord, b, fakeObjectStore{})

	handle, _, _ := router.Lookup(http.MethodGet, "/files/jobs/x/video.mp4")
	require.Nil(t, handle)
}
