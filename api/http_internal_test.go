package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/creds"
	"github.com/reelgrab/reel-api/queue"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
	"github.com/stretchr/testify/require"
)

func newInternalRouterDeps(t *testing.T) (store.Store, storage.Store, queue.Queue, *creds.Store) {
	t.Helper()
	base, err := url.Parse("https://dl.example.com/files")
	require.NoError(t, err)
	files, err := storage.NewLocal(t.TempDir(), base, "")
	require.NoError(t, err)

	credStore, err := creds.New(&config.Cli{ScratchDir: t.TempDir()}, files, nil)
	require.NoError(t, err)
	return store.NewMemory(nil), files, queue.NewMemory(nil), credStore
}

func TestHealthzAllHealthy(t *testing.T) {
	jobs, files, q, credStore := newInternalRouterDeps(t)
	router := NewReelAPIRouterInternal(jobs, files, q, credStore)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Healthy)
	for name, component := range resp.Components {
		require.True(t, component.Healthy, name)
		require.Empty(t, component.Error, name)
	}
	require.False(t, resp.Credentials.Enabled)
}

type failingStore struct {
	store.Store
}

func (f failingStore) Ping(ctx context.Context) error {
	return fmt.Errorf("connection refused")
}

func TestHealthzReportsFailingComponent(t *testing.T) {
	jobs, files, q, credStore := newInternalRouterDeps(t)
	router := NewReelAPIRouterInternal(failingStore{Store: jobs}, files, q, credStore)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Healthy)
	require.False(t, resp.Components["store"].Healthy)
	require.Contains(t, resp.Components["store"].Error, "connection refused")
	require.True(t, resp.Components["queue"].Healthy)
}

func TestMetricsEndpoint(t *testing.T) {
	jobs, files, q, credStore := newInternalRouterDeps(t)
	router := NewReelAPIRouterInternal(jobs, files, q, credStore)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "acquisition_jobs_submitted_count")
}

func TestPprofExposedOnInternalRouter(t *testing.T) {
	jobs, files, q, credStore := newInternalRouterDeps(t)
	router := NewReelAPIRouterInternal(jobs, files, q, credStore)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "profile") || strings.Contains(rec.Body.String(), "pprof"))
}
