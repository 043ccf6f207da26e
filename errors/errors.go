package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Kind buckets every failure the service reports. Components tag errors at
// the boundary where the failure is best understood; the worker turns kinds
// into retry decisions and the HTTP layer turns them into status codes.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindAuthRequired       Kind = "auth_required"
	KindSourceUnavailable  Kind = "source_unavailable"
	KindExtractorTransient Kind = "extractor_transient"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindStorageQuota       Kind = "storage_quota"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Retriable reports whether a failure of this kind may succeed on a later
// attempt. AuthRequired is not retriable here: another attempt with the same
// credential material cannot succeed, rotation handles it out of band.
func (k Kind) Retriable() bool {
	switch k {
	case KindExtractorTransient, KindStorageUnavailable, KindTimeout, KindInternal:
		return true
	}
	return false
}

type kindError struct {
	kind Kind
	err  error
}

func (e kindError) Error() string { return e.err.Error() }
func (e kindError) Unwrap() error { return e.err }

// Tag attaches a kind to err. When err is re-tagged at an outer boundary the
// outermost tag wins during KindOf.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

func Tagf(kind Kind, format string, args ...interface{}) error {
	return kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf resolves the failure kind of err. Untagged context errors map to
// Timeout/Cancelled, anything else untagged is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke kindError
	if stderrors.As(err, &ke) {
		return ke.kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

type unretriableError struct{ error }

func (e unretriableError) Unwrap() error { return e.error }

// Unretriable returns an error that should be treated as final. It is also
// wrapped in a backoff.PermanentError so retry loops built on the backoff
// library stop immediately.
func Unretriable(err error) error {
	return backoff.Permanent(unretriableError{err})
}

// IsUnretriable returns whether the given error is unretriable.
func IsUnretriable(err error) bool {
	return stderrors.As(err, &unretriableError{})
}
