// Package creds manages the cookie bundles used for gated content: encrypted
// at rest in artifact storage, decrypted only into short-lived files handed to
// the extractor, rotated to a backup bundle when the active one keeps failing.
package creds

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/crypto"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
	"github.com/reelgrab/reel-api/storage"
	"golang.org/x/time/rate"
)

const (
	ManifestKey = "credentials/manifest.json"

	// checkoutsPerMinute caps how often workers may materialize cookies, so a
	// burst of gated jobs cannot hammer the platform account.
	checkoutsPerMinute = 10

	// defaultBadStrikes failures of the active bundle within strikeWindow
	// promote the backup bundle. Operators running flaky extractors can
	// raise the threshold so promotion waits for a pattern instead of a
	// single failure.
	defaultBadStrikes = 1
	strikeWindow      = 10 * time.Minute
)

// ErrNoCredentials is returned when no bundle is configured or installed.
// Jobs proceed without cookies in that case.
var ErrNoCredentials = stderrors.New("no credentials configured")

// Bundle is one manifest entry pointing at an encrypted cookie blob.
type Bundle struct {
	Fingerprint string    `json:"fingerprint"`
	Key         string    `json:"key"`
	IssuedAt    time.Time `json:"issued_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Domains     []string  `json:"domains,omitempty"`
}

// BlobKey returns the storage key for a bundle's encrypted cookie jar.
func BlobKey(fingerprint string) string {
	return "credentials/" + fingerprint + ".cookies.enc"
}

// Manifest describes the installed bundles. It is written by the
// administrative rotation flow and by promotion, and only read here.
type Manifest struct {
	Active    *Bundle   `json:"active,omitempty"`
	Backup    *Bundle   `json:"backup,omitempty"`
	RotatedAt time.Time `json:"rotated_at,omitempty"`
}

// materialization is one decrypted cookie file shared by all handles of the
// same bundle. The file disappears when the last handle closes.
type materialization struct {
	path        string
	fingerprint string
	refs        int
}

// Handle is one checkout of the active bundle. Callers must Close it when the
// extractor run finishes.
type Handle struct {
	store  *Store
	m      *materialization
	bundle Bundle
	closed bool
}

func (h *Handle) Path() string        { return h.m.path }
func (h *Handle) Fingerprint() string { return h.m.fingerprint }
func (h *Handle) ExpiresAt() time.Time {
	return h.bundle.ExpiresAt
}

func (h *Handle) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true
	return h.store.release(h.m)
}

// Store is the credential manager. All state lives in artifact storage so
// every node sees the same bundles; this struct only caches.
type Store struct {
	storage    storage.Store
	key        []byte
	scratchDir string
	refresh    time.Duration
	badStrikes int
	limiter    *rate.Limiter
	clock      clock.Clock

	mu            sync.Mutex
	manifest      *Manifest
	strikes       []time.Time
	materialized  map[string]*materialization
	nextRefreshAt time.Time
}

func New(cli *config.Cli, store storage.Store, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		storage:      store,
		scratchDir:   cli.ScratchDir,
		refresh:      cli.CredentialRefreshInterval,
		badStrikes:   cli.CredentialBadStrikes,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/checkoutsPerMinute), checkoutsPerMinute),
		clock:        clk,
		materialized: map[string]*materialization{},
	}
	if s.badStrikes < 1 {
		s.badStrikes = defaultBadStrikes
	}
	if cli.CredentialEncryptionKey == "" {
		return s, nil
	}
	key, err := hex.DecodeString(cli.CredentialEncryptionKey)
	if err != nil || len(key) != 32 {
		return nil, errors.Tagf(errors.KindInvalidInput, "credential encryption key must be 64 hex chars")
	}
	s.key = key
	if err := os.MkdirAll(cli.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("error creating credential scratch dir: %w", err)
	}
	return s, nil
}

// Enabled reports whether an encryption key is configured.
func (s *Store) Enabled() bool { return s.key != nil }

// GetActive checks out the active bundle as a 0600 cookie file. The checkout
// is rate limited and fails fast rather than queueing behind the limiter.
func (s *Store) GetActive(ctx context.Context) (*Handle, error) {
	if !s.Enabled() {
		return nil, ErrNoCredentials
	}
	if !s.limiter.Allow() {
		metrics.Metrics.CredentialThrottled.Inc()
		return nil, errors.Tagf(errors.KindExtractorTransient, "credential checkout rate exceeded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureManifestLocked(ctx); err != nil {
		return nil, err
	}
	if s.manifest == nil || s.manifest.Active == nil {
		return nil, ErrNoCredentials
	}

	handle, err := s.checkoutLocked(ctx, *s.manifest.Active)
	if err == nil {
		return handle, nil
	}
	log.LogNoJobID("active credential bundle unusable, trying backup", "fingerprint", s.manifest.Active.Fingerprint, "error", err)
	if s.manifest.Backup == nil {
		return nil, errors.Tag(errors.KindAuthRequired, fmt.Errorf("active credential bundle unusable: %w", err))
	}
	handle, backupErr := s.checkoutLocked(ctx, *s.manifest.Backup)
	if backupErr != nil {
		return nil, errors.Tag(errors.KindAuthRequired, fmt.Errorf("no usable credential bundle: %w", backupErr))
	}
	return handle, nil
}

func (s *Store) checkoutLocked(ctx context.Context, bundle Bundle) (*Handle, error) {
	if m, ok := s.materialized[bundle.Fingerprint]; ok {
		m.refs++
		return &Handle{store: s, m: m, bundle: bundle}, nil
	}

	body, err := s.storage.Get(ctx, BlobKey(bundle.Fingerprint))
	if err != nil {
		return nil, fmt.Errorf("error fetching credential blob: %w", err)
	}
	blob, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading credential blob: %w", err)
	}
	plaintext, err := crypto.Open(s.key, blob)
	if err != nil {
		return nil, err
	}
	if _, err := ParseCookies(plaintext, s.clock.Now().UTC()); err != nil {
		return nil, err
	}

	path := filepath.Join(s.scratchDir, fmt.Sprintf("cookies-%s-%s.txt", bundle.Fingerprint, config.RandomTrailer(8)))
	if err := os.WriteFile(path, plaintext, 0o600); err != nil {
		return nil, fmt.Errorf("error materializing cookie file: %w", err)
	}
	m := &materialization{path: path, fingerprint: bundle.Fingerprint, refs: 1}
	s.materialized[bundle.Fingerprint] = m
	return &Handle{store: s, m: m, bundle: bundle}, nil
}

func (s *Store) release(m *materialization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.refs--
	if m.refs > 0 {
		return nil
	}
	delete(s.materialized, m.fingerprint)
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing cookie file: %w", err)
	}
	return nil
}

// MarkBad records an authentication failure against the given bundle. Enough
// strikes inside the rolling window promote the backup bundle; the returned
// bool tells the caller whether a fresh bundle is now active and worth one
// more try.
func (s *Store) MarkBad(ctx context.Context, fingerprint, reason string) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifest == nil || s.manifest.Active == nil || s.manifest.Active.Fingerprint != fingerprint {
		// Stale report about a bundle that is no longer active.
		return false, nil
	}

	now := s.clock.Now().UTC()
	recent := s.strikes[:0]
	for _, strike := range s.strikes {
		if now.Sub(strike) < strikeWindow {
			recent = append(recent, strike)
		}
	}
	s.strikes = append(recent, now)
	log.LogNoJobID("credential bundle failure recorded", "fingerprint", fingerprint, "reason", reason, "strikes", len(s.strikes))
	if len(s.strikes) < s.badStrikes {
		return false, nil
	}

	s.strikes = nil
	if s.manifest.Backup == nil {
		log.LogNoJobID("credential bundle keeps failing and no backup is installed", "fingerprint", fingerprint)
		return false, nil
	}
	s.manifest.Active = s.manifest.Backup
	s.manifest.Backup = nil
	s.manifest.RotatedAt = now
	if err := s.writeManifestLocked(ctx); err != nil {
		return false, err
	}
	metrics.Metrics.CredentialRotations.Inc()
	log.LogNoJobID("promoted backup credential bundle", "fingerprint", s.manifest.Active.Fingerprint)
	return true, nil
}

// Refresh reloads the manifest from storage, picking up bundles installed by
// the administrative flow.
func (s *Store) Refresh(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = nil
	return s.ensureManifestLocked(ctx)
}

// RunRefreshLoop reloads the manifest on the configured interval until ctx is
// cancelled.
func (s *Store) RunRefreshLoop(ctx context.Context) error {
	if !s.Enabled() || s.refresh <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := s.clock.Ticker(s.refresh)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		s.nextRefreshAt = s.clock.Now().UTC().Add(s.refresh)
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.LogNoJobID("error refreshing credential manifest", "error", err)
			}
		}
	}
}

func (s *Store) ensureManifestLocked(ctx context.Context) error {
	if s.manifest != nil {
		return nil
	}
	body, err := s.storage.Get(ctx, ManifestKey)
	if errors.IsKind(err, errors.KindNotFound) {
		s.manifest = &Manifest{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("error fetching credential manifest: %w", err)
	}
	defer body.Close()
	manifest := &Manifest{}
	if err := json.NewDecoder(body).Decode(manifest); err != nil {
		return errors.Tagf(errors.KindInternal, "error decoding credential manifest: %v", err)
	}
	s.manifest = manifest
	return nil
}

func (s *Store) writeManifestLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.manifest)
	if err != nil {
		return errors.Tag(errors.KindInternal, err)
	}
	return s.storage.Put(ctx, ManifestKey, bytes.NewReader(raw), "application/json")
}

// Install seals a cookie jar and writes it plus an updated manifest. The
// second bundle installed becomes the backup. Used by the rotation flow and
// by tests.
func (s *Store) Install(ctx context.Context, cookies []byte, expiresAt time.Time) (Bundle, error) {
	if !s.Enabled() {
		return Bundle{}, ErrNoCredentials
	}
	now := s.clock.Now().UTC()
	parsed, err := ParseCookies(cookies, now)
	if err != nil {
		return Bundle{}, err
	}
	blob, err := crypto.Seal(s.key, cookies)
	if err != nil {
		return Bundle{}, err
	}
	bundle := Bundle{
		Fingerprint: Fingerprint(cookies),
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		Domains:     CookieDomains(parsed),
	}
	bundle.Key = BlobKey(bundle.Fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureManifestLocked(ctx); err != nil {
		return Bundle{}, err
	}
	if err := s.storage.Put(ctx, bundle.Key, bytes.NewReader(blob), "application/octet-stream"); err != nil {
		return Bundle{}, err
	}
	if s.manifest.Active == nil {
		s.manifest.Active = &bundle
	} else {
		s.manifest.Backup = &bundle
	}
	if err := s.writeManifestLocked(ctx); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// Info is the health view of the credential subsystem.
type Info struct {
	Enabled       bool       `json:"enabled"`
	Active        *Bundle    `json:"active,omitempty"`
	Backup        *Bundle    `json:"backup,omitempty"`
	RotationDueAt *time.Time `json:"rotation_due_at,omitempty"`
	NextRefreshAt *time.Time `json:"next_refresh_at,omitempty"`
}

func (s *Store) Status() Info {
	info := Info{Enabled: s.Enabled()}
	if !info.Enabled {
		return info
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifest != nil {
		info.Active = s.manifest.Active
		info.Backup = s.manifest.Backup
		if s.manifest.Active != nil && !s.manifest.Active.ExpiresAt.IsZero() {
			due := s.manifest.Active.ExpiresAt
			info.RotationDueAt = &due
		}
	}
	if !s.nextRefreshAt.IsZero() {
		next := s.nextRefreshAt
		info.NextRefreshAt = &next
	}
	return info
}

// Ping verifies the subsystem can serve checkouts. Disabled is healthy.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureManifestLocked(ctx)
}
