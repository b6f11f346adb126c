package server

import (
	"errors"
	"net/http"
	"path"
	"strconv"

	"github.com/jackzampolin/narrator/internal/objectstore"
)

// contentTypes maps audio file extensions to MIME types. Anything else is
// served as an opaque byte stream.
var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".txt":  "text/plain; charset=utf-8",
}

// handleFile serves a stored object after verifying the presigned URL
// signature and expiry.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	files := s.services.Files
	if files == nil {
		http.Error(w, "file downloads not available", http.StatusNotFound)
		return
	}

	if err := files.VerifyURL(key, r.URL.Query()); err != nil {
		switch {
		case errors.Is(err, objectstore.ErrURLExpired):
			http.Error(w, "url expired", http.StatusForbidden)
		case errors.Is(err, objectstore.ErrSignatureInvalid):
			http.Error(w, "invalid signature", http.StatusForbidden)
		default:
			http.Error(w, "invalid request", http.StatusBadRequest)
		}
		return
	}

	data, err := files.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("file read failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ct, ok := contentTypes[path.Ext(key)]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	if _, err := w.Write(data); err != nil {
		s.logger.Warn("file write interrupted", "key", key, "error", err)
	}
}
