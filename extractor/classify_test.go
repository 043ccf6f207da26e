package extractor

import (
	"io/fs"
	"os/exec"
	"testing"

	"github.com/reelgrab/reel-api/errors"
	"github.com/stretchr/testify/require"
)

// exitError produces a real *exec.ExitError to classify against.
func exitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("false").Run()
	require.Error(t, err)
	return err
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		tail string
		kind errors.Kind
	}{
		{
			name: "sign in wall",
			tail: "ERROR: [youtube] dQw4w9WgXcQ: Sign in to confirm you're not a bot.",
			kind: errors.KindAuthRequired,
		},
		{
			name: "private video suggests signing in",
			tail: "ERROR: Private video. Sign in if you've been granted access to this video",
			kind: errors.KindAuthRequired,
		},
		{
			name: "members only",
			tail: "ERROR: Join this channel to get access to members-only content",
			kind: errors.KindAuthRequired,
		},
		{
			name: "removed",
			tail: "ERROR: Video unavailable. This video has been removed by the uploader",
			kind: errors.KindSourceUnavailable,
		},
		{
			name: "geo blocked",
			tail: "ERROR: The uploader has not made this video available in your country",
			kind: errors.KindSourceUnavailable,
		},
		{
			name: "dead link",
			tail: "ERROR: Unable to download webpage: HTTP Error 404: Not Found",
			kind: errors.KindSourceUnavailable,
		},
		{
			name: "rate limited",
			tail: "ERROR: Unable to download API page: HTTP Error 429: Too Many Requests",
			kind: errors.KindExtractorTransient,
		},
		{
			name: "network flake",
			tail: "ERROR: Connection reset by peer",
			kind: errors.KindExtractorTransient,
		},
		{
			name: "unknown defaults to transient",
			tail: "ERROR: something nobody has seen before",
			kind: errors.KindExtractorTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(exitError(t), tt.tail)
			require.Equal(t, tt.kind, errors.KindOf(err), "got %v", err)
		})
	}
}

func TestClassifyOrdersAuthBeforeUnavailable(t *testing.T) {
	// A 404 wrapped around a login hint should still land on auth: fresh
	// credentials can fix it, a retry cannot.
	tail := "ERROR: HTTP Error 404\nERROR: Please log in to view this video"
	err := Classify(exitError(t), tail)
	require.Equal(t, errors.KindAuthRequired, errors.KindOf(err))
}

func TestClassifyKeepsLastStderrLine(t *testing.T) {
	tail := "WARNING: unrelated noise\nERROR: Video unavailable\n\n"
	err := Classify(exitError(t), tail)
	require.Contains(t, err.Error(), "ERROR: Video unavailable")
}

func TestClassifyNonExitErrorIsInternal(t *testing.T) {
	err := Classify(fs.ErrNotExist, "")
	require.Equal(t, errors.KindInternal, errors.KindOf(err))
}
