package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/renameio/v2"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/errors"
)

// Local stores artifacts under a filesystem root. Downloads are served by the
// file handler on the public API, optionally gated by signed URL tokens.
type Local struct {
	root       string
	publicBase *url.URL
	signingKey []byte
}

func NewLocal(root string, publicBase *url.URL, signingKey string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage-local-root is required with the local backend")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	// An unset -storage-public-base-url flag parses to an empty URL, not nil.
	if publicBase != nil && publicBase.String() == "" {
		publicBase = nil
	}
	var key []byte
	if signingKey != "" {
		key = []byte(signingKey)
	}
	return &Local{root: root, publicBase: publicBase, signingKey: key}, nil
}

// resolve maps a key onto the root, rejecting anything that would escape it.
func (l *Local) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", errors.Tagf(errors.KindInvalidInput, "empty storage key")
	}
	if strings.Contains(key, "..") {
		return "", errors.Tagf(errors.KindInvalidInput, "storage key %q escapes the root", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	dst, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return classifyFsErr(err)
	}

	t, err := renameio.TempFile("", dst)
	if err != nil {
		return classifyFsErr(err)
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, body); err != nil {
		return classifyFsErr(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return classifyFsErr(err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	src, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil, errors.Tagf(errors.KindNotFound, "object %q not found", key)
	}
	if err != nil {
		return nil, classifyFsErr(err)
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	target, err := l.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if err != nil && !os.IsNotExist(err) {
		return classifyFsErr(err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	target, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, classifyFsErr(err)
	}
	return true, nil
}

func (l *Local) URLFor(key string, ttl time.Duration) (string, error) {
	if _, err := l.resolve(key); err != nil {
		return "", err
	}
	if l.publicBase == nil {
		return "", errors.Tagf(errors.KindInvalidInput, "no public base URL configured for local storage")
	}
	u := *l.publicBase
	u.Path = path.Join(u.Path, key)
	if l.signingKey == nil {
		return u.String(), nil
	}

	claims := jwt.RegisteredClaims{
		Subject:   key,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.signingKey)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyURLToken checks a signed download token for the given key. Always
// succeeds when no signing key is configured.
func (l *Local) VerifyURLToken(key, token string) error {
	if l.signingKey == nil {
		return nil
	}
	if token == "" {
		return errors.Tagf(errors.KindAuthRequired, "missing download token")
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.signingKey, nil
	})
	if err != nil {
		return errors.Tag(errors.KindAuthRequired, err)
	}
	if claims.Subject != key {
		return errors.Tagf(errors.KindAuthRequired, "token not valid for this object")
	}
	return nil
}

// Root returns the storage root directory.
func (l *Local) Root() string {
	return l.root
}

// FilePath maps a storage key onto its absolute path under the root, used by
// the download handler to serve artifacts directly.
func (l *Local) FilePath(key string) (string, error) {
	return l.resolve(key)
}

func (l *Local) Probe(ctx context.Context) error {
	key := probeKey()
	payload := []byte(fmt.Sprintf("probe %d", config.Clock.GetTimestampUTC()))
	if err := l.Put(ctx, key, bytes.NewReader(payload), "text/plain"); err != nil {
		return err
	}
	rc, err := l.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.ReadAll(rc); err != nil {
		rc.Close()
		return classifyFsErr(err)
	}
	rc.Close()
	return l.Delete(ctx, key)
}

// classifyFsErr distinguishes full disks from everything else so that the
// worker fails jobs with StorageQuota instead of retrying them forever.
func classifyFsErr(err error) error {
	if err == nil {
		return nil
	}
	for _, errno := range []syscall.Errno{syscall.ENOSPC, syscall.EDQUOT} {
		if stderrors.Is(err, errno) {
			return errors.Tag(errors.KindStorageQuota, err)
		}
	}
	return errors.Tag(errors.KindStorageUnavailable, err)
}
