package extractor

import (
	stderrors "errors"
	"os/exec"
	"strings"

	"github.com/reelgrab/reel-api/errors"
)

// yt-dlp exits 1 for nearly every failure, so the stderr text is the only
// signal for telling a dead video from a rate limit. Patterns are matched
// against the lowercased tail of stderr, first match wins, auth before
// unavailable because private videos also suggest signing in.
var (
	authPatterns = []string{
		"sign in to confirm",
		"sign in if you",
		"login required",
		"please log in",
		"use --cookies",
		"cookies are no longer valid",
		"authentication",
		"private video",
		"members-only",
		"join this channel",
		"confirm your age",
		"age-restricted",
	}
	unavailablePatterns = []string{
		"video unavailable",
		"has been removed",
		"no longer available",
		"account associated with this video has been terminated",
		"not available in your country",
		"blocked it in your country",
		"geo restriction",
		"is not a valid url",
		"unsupported url",
		"unable to extract",
		"http error 404",
		"http error 410",
		"does not exist",
	}
	transientPatterns = []string{
		"http error 429",
		"too many requests",
		"http error 500",
		"http error 502",
		"http error 503",
		"timed out",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"unable to download webpage",
		"incomplete read",
	}
)

// Classify maps a failed extractor run onto an error kind from the exit
// error plus the last stderr lines. Unknown failures come back as transient
// so the retry policy gets a chance before the job is declared dead.
func Classify(runErr error, stderrTail string) error {
	reason := lastNonEmptyLine(stderrTail)
	if reason == "" {
		reason = runErr.Error()
	}
	var exitErr *exec.ExitError
	if !stderrors.As(runErr, &exitErr) {
		return errors.Tagf(errors.KindInternal, "running extractor: %w", runErr)
	}
	kind := errors.KindExtractorTransient
	lower := strings.ToLower(stderrTail)
	switch {
	case matchesAny(lower, authPatterns):
		kind = errors.KindAuthRequired
	case matchesAny(lower, unavailablePatterns):
		kind = errors.KindSourceUnavailable
	case matchesAny(lower, transientPatterns):
		kind = errors.KindExtractorTransient
	}
	return errors.Tagf(kind, "extractor exited %d: %s", exitErr.ExitCode(), reason)
}

func matchesAny(haystack string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
