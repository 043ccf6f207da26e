// Package requests carries the per-request ID used to correlate access logs
// with upstream proxies. IDs arrive on the X-Request-ID header or are minted
// here.
package requests

import (
	"net/http"

	"github.com/reelgrab/reel-api/config"
)

const requestIDHeader = "X-Request-ID"

// GetRequestID returns the request's ID, minting one and storing it on the
// request headers when the caller did not send one.
func GetRequestID(req *http.Request) string {
	requestID := req.Header.Get(requestIDHeader)
	if requestID != "" {
		return requestID
	}
	requestID = config.RandomTrailer(8)
	req.Header.Set(requestIDHeader, requestID)
	return requestID
}

// SetOnResponse echoes the request's ID back to the caller.
func SetOnResponse(w http.ResponseWriter, req *http.Request) string {
	requestID := GetRequestID(req)
	w.Header().Set(requestIDHeader, requestID)
	return requestID
}
