package handlers

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/reelgrab/reel-api/errors"
)

// ServeArtifact serves stored artifacts straight off the local storage root,
// honoring the signed download tokens URLFor embeds.
func (d *ReelAPIHandlersCollection) ServeArtifact() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		key := strings.TrimPrefix(params.ByName("filepath"), "/")
		if err := d.Files.VerifyURLToken(key, req.URL.Query().Get("token")); err != nil {
			errors.WriteHTTPForError(w, "Download rejected", err)
			return
		}
		full, err := d.Files.FilePath(key)
		if err != nil {
			errors.WriteHTTPForError(w, "Invalid artifact path", err)
			return
		}
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)})
		if disposition != "" {
			w.Header().Set("Content-Disposition", disposition)
		}
		http.ServeFile(w, req, full)
	}
}
