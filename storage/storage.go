// Package storage holds the artifact storage abstraction: a local filesystem
// backend for single-node deployments and an S3-compatible object store
// backend. Both present the same contract and the same failure kinds, so the
// worker never knows which one it is writing to.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/reelgrab/reel-api/config"
)

type Store interface {
	// Put writes an object, replacing any existing object at key. Writes are
	// atomic: a failed Put never leaves a partial object visible.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete is idempotent: deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// URLFor returns a time-limited readable URL for a stored object.
	URLFor(key string, ttl time.Duration) (string, error)
	// Probe performs a real write-read-delete round trip so health checks
	// verify the backend works, not just that it is configured.
	Probe(ctx context.Context) error
}

// New builds the backend selected by the configuration.
func New(cli *config.Cli) (Store, error) {
	switch cli.StorageBackend {
	case config.StorageBackendLocal:
		return NewLocal(cli.StorageLocalRoot, cli.StoragePublicBaseURL, cli.URLSigningKey)
	case config.StorageBackendObject:
		return NewObjectStore(cli.StorageBucket, cli.StorageRegion, cli.StorageEndpoint)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cli.StorageBackend)
}

func probeKey() string {
	return "probe/" + config.RandomTrailer(12)
}
