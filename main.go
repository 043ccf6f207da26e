package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"github.com/reelgrab/reel-api/api"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/creds"
	"github.com/reelgrab/reel-api/extractor"
	"github.com/reelgrab/reel-api/pipeline"
	"github.com/reelgrab/reel-api/queue"
	"github.com/reelgrab/reel-api/storage"
	"github.com/reelgrab/reel-api/store"
	"github.com/reelgrab/reel-api/worker"
	"golang.org/x/sync/errgroup"
)

const queueDepthInterval = 15 * time.Second

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("reel-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")
	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")

	// listen addresses
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for the public job API")
	config.AddrFlag(fs, &cli.HTTPInternalAddress, "internal-addr", "127.0.0.1:7979", "Address to bind for internal privileged HTTP handling (metrics, healthz, pprof)")

	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")

	// job store
	fs.StringVar(&cli.JobStoreDSN, "job-store-dsn", "memory", "Job store DSN. \"memory\", a postgres:// URL or a sqlite: path")

	// artifact storage
	fs.StringVar(&cli.StorageBackend, "storage-backend", config.StorageBackendLocal, "Artifact storage backend. local or object_store")
	fs.StringVar(&cli.StorageLocalRoot, "storage-local-root", "", "Root directory for the local storage backend")
	fs.StringVar(&cli.StorageBucket, "storage-bucket", "", "S3 bucket for the object_store backend")
	fs.StringVar(&cli.StorageRegion, "storage-region", "", "S3 region for the object_store backend")
	fs.StringVar(&cli.StorageEndpoint, "storage-endpoint", "", "Custom S3 endpoint, for MinIO and other S3-compatible stores")
	config.URLVarFlag(fs, &cli.StoragePublicBaseURL, "storage-public-base-url", "", "Base URL handed out for artifact downloads on the local backend")
	fs.StringVar(&cli.URLSigningKey, "url-signing-key", "", "HMAC key for signing download URLs. Empty disables signing")

	// queue
	fs.StringVar(&cli.QueueBackend, "queue-backend", config.QueueBackendMemory, "Queue backend. memory or broker")
	fs.StringVar(&cli.QueueBrokerURL, "queue-broker-url", "", "Redis URL for the broker queue backend")

	// worker pool
	fs.IntVar(&cli.WorkerConcurrency, "worker-concurrency", 4, "Number of acquisition workers per process")
	fs.IntVar(&cli.JobTimeoutSeconds, "job-timeout-seconds", 1800, "Wall clock limit for a single download attempt, in seconds")
	fs.IntVar(&cli.MaxAttempts, "max-attempts", 3, "Attempts per job before it fails for good")
	fs.IntVar(&cli.ProgressHeartbeatSeconds, "progress-heartbeat-seconds", 10, "Progress heartbeat interval, in seconds")
	config.CommaSliceFlag(fs, &cli.AllowedHosts, "allowed-hosts", []string{}, "Hostnames jobs may download from. Exact names or *.domain wildcards; empty rejects everything")

	// site credentials
	fs.StringVar(&cli.CredentialEncryptionKey, "credential-encryption-key", "", "32 byte hex AES key for the credential store. Empty disables credentials")
	fs.DurationVar(&cli.CredentialRefreshInterval, "credential-refresh-interval", 15*time.Minute, "How often the credential manifest is re-read from storage")
	fs.IntVar(&cli.CredentialBadStrikes, "credential-bad-strikes", 1, "Auth failures within ten minutes before the backup bundle is promoted")

	// extraction
	fs.StringVar(&cli.ExtractorBin, "extractor-bin", "yt-dlp", "Extractor binary to invoke for metadata and downloads")
	fs.StringVar(&cli.ScratchDir, "scratch-dir", os.TempDir(), "Directory for per-attempt scratch space")
	config.InvertedBoolFlag(fs, &cli.ThumbnailFallback, "thumbnail-fallback", true, "Disable generating a thumbnail from the video when the source offers none")

	err = ff.Parse(
		fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarNoPrefix(),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("reel-api version: %s\n", config.Version)
		return
	}

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	if err := cli.Validate(); err != nil {
		glog.Fatalf("invalid configuration: %s", err)
	}

	clk := clock.New()

	jobs, err := store.New(context.Background(), cli.JobStoreDSN, clk)
	if err != nil {
		glog.Fatalf("Error opening job store: %v", err)
	}
	defer jobs.Close()

	files, err := storage.New(&cli)
	if err != nil {
		glog.Fatalf("Error opening artifact storage: %v", err)
	}

	q, err := queue.New(context.Background(), &cli, clk)
	if err != nil {
		glog.Fatalf("Error opening job queue: %v", err)
	}
	defer q.Close()

	credStore, err := creds.New(&cli, files, clk)
	if err != nil {
		glog.Fatalf("Error opening credential store: %v", err)
	}

	b := bus.New()
	coord := pipeline.NewCoordinator(&cli, jobs, q, b, files)
	runner := worker.New(&cli, jobs, q, files, b, credStore, extractor.NewYtDlp(&cli, clk), clk)

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, &cli, coord, b, files)
	})

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, &cli, jobs, files, q, credStore)
	})

	group.Go(func() error {
		return runner.Start(ctx)
	})

	group.Go(func() error {
		runner.QueueDepthLoop(ctx, queueDepthInterval)
		return nil
	})

	group.Go(func() error {
		return credStore.RunRefreshLoop(ctx)
	})

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
