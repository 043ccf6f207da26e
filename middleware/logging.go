package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
	"github.com/reelgrab/reel-api/requests"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

// Hijack forwards to the underlying writer so the WebSocket upgrade works
// through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	rw.hijacked = true
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LogRequest wraps a route with access logging, panic recovery and the
// per-route request metrics. The route label is the registered pattern, not
// the raw path, so job ids never blow up the metric cardinality.
func LogRequest(route string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		wrapped := wrapResponseWriter(w)
		requestID := requests.SetOnResponse(wrapped, r)

		defer func() {
			if rec := recover(); rec != nil {
				errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
				log.LogNoJobID("panic in request handler", "err", rec, "trace", debug.Stack())
			}

			status := wrapped.status
			if status == 0 {
				status = http.StatusOK
			}
			if wrapped.hijacked {
				status = http.StatusSwitchingProtocols
			}
			duration := time.Since(start)
			metrics.Metrics.APIRequestCount.WithLabelValues(route, strconv.Itoa(status)).Inc()
			metrics.Metrics.APIRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

			log.LogNoJobID("http request",
				"request_id", requestID,
				"remote", r.RemoteAddr,
				"proto", r.Proto,
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"duration", duration,
				"status", status,
			)
		}()

		next(wrapped, r, ps)
	}
}
