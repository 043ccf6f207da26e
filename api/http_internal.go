package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	// Registers the pprof handlers on http.DefaultServeMux, which only the
	// internal listener exposes.
	_ "net/http/pprof"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/creds"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/middleware"
	"github.com/reelgrab/reel-api/queue"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
)

const healthProbeTimeout = 5 * time.Second

type HealthComponent struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type HealthResponse struct {
	Healthy     bool                       `json:"healthy"`
	Version     string                     `json:"version"`
	Components  map[string]HealthComponent `json:"components"`
	Credentials creds.Info                 `json:"credentials"`
}

func ListenAndServeInternal(ctx context.Context, cli *config.Cli, jobs store.Store, files storage.Store, q queue.Queue, credStore *creds.Store) error {
	router := NewReelAPIRouterInternal(jobs, files, q, credStore)
	server := http.Server{Addr: cli.HTTPInternalAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Reel internal API!",
		"version", config.Version,
		"host", cli.HTTPInternalAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewReelAPIRouterInternal(jobs store.Store, files storage.Store, q queue.Queue, credStore *creds.Store) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest

	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/healthz", withLogging("/healthz", Healthz(jobs, files, q, credStore)))
	router.Handler(http.MethodGet, "/debug/pprof/*profile", http.DefaultServeMux)

	return router
}

// Healthz probes every backend with a real round trip and reports the result
// per component. The response is 200 only when everything is healthy, so load
// balancers and reelctl can use the status code alone.
func Healthz(jobs store.Store, files storage.Store, q queue.Queue, credStore *creds.Store) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(req.Context(), healthProbeTimeout)
		defer cancel()

		resp := HealthResponse{
			Healthy:    true,
			Version:    config.Version,
			Components: map[string]HealthComponent{},
		}
		probes := map[string]func(context.Context) error{
			"store":       jobs.Ping,
			"storage":     files.Probe,
			"queue":       q.Ping,
			"credentials": credStore.Ping,
		}
		for name, probe := range probes {
			component := HealthComponent{Healthy: true}
			if err := probe(ctx); err != nil {
				component = HealthComponent{Error: err.Error()}
				resp.Healthy = false
			}
			resp.Components[name] = component
		}
		resp.Credentials = credStore.Status()

		status := http.StatusOK
		if !resp.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.LogNoJobID("Failed to write healthz response", "error", err)
		}
	}
}
