package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reelgrab/reel-api/errors"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T, signingKey string) *Local {
	base, err := url.Parse("http://localhost:8989/files")
	require.NoError(t, err)
	l, err := NewLocal(t.TempDir(), base, signingKey)
	require.NoError(t, err)
	return l
}

func TestLocalRoundTrip(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t, "")
	ctx := context.Background()

	key := MediaKey("job1", "Some Video", "mp4")
	require.NoError(l.Put(ctx, key, bytes.NewReader([]byte("media-bytes")), "video/mp4"))

	exists, err := l.Exists(ctx, key)
	require.NoError(err)
	require.True(exists)

	rc, err := l.Get(ctx, key)
	require.NoError(err)
	data, err := io.ReadAll(rc)
	require.NoError(err)
	require.NoError(rc.Close())
	require.Equal("media-bytes", string(data))

	require.NoError(l.Delete(ctx, key))
	exists, err = l.Exists(ctx, key)
	require.NoError(err)
	require.False(exists)

	// idempotent delete
	require.NoError(l.Delete(ctx, key))
}

func TestLocalPutReplacesAtomically(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t, "")
	ctx := context.Background()

	require.NoError(l.Put(ctx, "jobs/j/video.mp4", bytes.NewReader([]byte("first")), "video/mp4"))
	require.NoError(l.Put(ctx, "jobs/j/video.mp4", bytes.NewReader([]byte("second")), "video/mp4"))

	rc, err := l.Get(ctx, "jobs/j/video.mp4")
	require.NoError(err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal("second", string(data))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Join(l.Root(), "jobs", "j"))
	require.NoError(err)
	require.Len(entries, 1)
}

func TestLocalGetMissing(t *testing.T) {
	l := newTestLocal(t, "")
	_, err := l.Get(context.Background(), "jobs/nope/video.mp4")
	require.Error(t, err)
	require.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	l := newTestLocal(t, "")
	ctx := context.Background()

	for _, key := range []string{"../outside", "jobs/../../etc/passwd", ""} {
		err := l.Put(ctx, key, bytes.NewReader(nil), "")
		require.Error(t, err, key)
		require.Equal(t, errors.KindInvalidInput, errors.KindOf(err), key)
	}
}

func TestLocalURLForUnsigned(t *testing.T) {
	l := newTestLocal(t, "")
	u, err := l.URLFor("jobs/j/video.mp4", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8989/files/jobs/j/video.mp4", u)
}

func TestLocalURLForSigned(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t, "test-signing-key")

	signed, err := l.URLFor("jobs/j/video.mp4", time.Minute)
	require.NoError(err)

	u, err := url.Parse(signed)
	require.NoError(err)
	token := u.Query().Get("token")
	require.NotEmpty(token)

	require.NoError(l.VerifyURLToken("jobs/j/video.mp4", token))
	require.Error(l.VerifyURLToken("jobs/other/video.mp4", token))
	require.Error(l.VerifyURLToken("jobs/j/video.mp4", ""))
	require.Error(l.VerifyURLToken("jobs/j/video.mp4", "garbage"))
}

func TestLocalSignedTokenExpires(t *testing.T) {
	require := require.New(t)
	l := newTestLocal(t, "test-signing-key")

	signed, err := l.URLFor("jobs/j/video.mp4", -time.Minute)
	require.NoError(err)
	u, err := url.Parse(signed)
	require.NoError(err)
	err = l.VerifyURLToken("jobs/j/video.mp4", u.Query().Get("token"))
	require.Error(err)
	require.Equal(errors.KindAuthRequired, errors.KindOf(err))
}

func TestLocalProbe(t *testing.T) {
	l := newTestLocal(t, "")
	require.NoError(t, l.Probe(context.Background()))

	// the probe object is cleaned up
	entries, err := os.ReadDir(filepath.Join(l.Root(), "probe"))
	if err == nil {
		require.Empty(t, entries)
	}
}
