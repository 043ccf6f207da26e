package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/handlers"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/middleware"
	"github.com/reelgrab/reel-api/pipeline"
	"github.com/reelgrab/reel-api/storage"
)

func ListenAndServe(ctx context.Context, cli *config.Cli, coord *pipeline.Coordinator, b *bus.Bus, files storage.Store) error {
	router := NewReelAPIRouter(cli, coord, b, files)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Reel API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
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

func NewReelAPIRouter(cli *config.Cli, coord *pipeline.Coordinator, b *bus.Bus, files storage.Store) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest
	withAuth := middleware.IsAuthorized

	apiHandlers := &handlers.ReelAPIHandlersCollection{Coordinator: coord, Bus: b}
	if local, ok := files.(*storage.Local); ok {
		apiHandlers.Files = local
	}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging("/ok", apiHandlers.Ok()))

	// Public job API
	router.POST("/api/jobs", withLogging("/api/jobs",
		withAuth(cli.APIToken, apiHandlers.SubmitJob())))
	router.GET("/api/jobs", withLogging("/api/jobs",
		withAuth(cli.APIToken, apiHandlers.ListJobs())))
	router.GET("/api/jobs/:id", withLogging("/api/jobs/:id",
		withAuth(cli.APIToken, apiHandlers.GetJob())))
	router.POST("/api/jobs/:id/cancel", withLogging("/api/jobs/:id/cancel",
		withAuth(cli.APIToken, apiHandlers.CancelJob())))
	router.POST("/api/jobs/:id/retry", withLogging("/api/jobs/:id/retry",
		withAuth(cli.APIToken, apiHandlers.RetryJob())))
	router.GET("/api/jobs/:id/progress", withLogging("/api/jobs/:id/progress",
		withAuth(cli.APIToken, apiHandlers.JobProgress())))

	// Direct downloads only exist on the local backend; object store
	// deployments hand out presigned URLs instead.
	if apiHandlers.Files != nil {
		router.GET("/files/*filepath", withLogging("/files/*filepath", apiHandlers.ServeArtifact()))
	}

	return router
}
