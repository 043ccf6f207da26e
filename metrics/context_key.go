package metrics

type contextKey string

func (c contextKey) String() string {
	return "metricsContextKey" + string(c)
}

// RetriesKey carries the per-request retry bookkeeping that HttpRetryHook
// mutates on every delivery attempt.
var RetriesKey = contextKey("ReelAPIRetries")
