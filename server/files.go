package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/telemetry"
)

// handleFiles serves published conversion artifacts. Artifact names are
// fingerprint-derived only, so the path leaks nothing about the source.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	name := r.PathValue("name")
	ext := strings.ToLower(path.Ext(name))

	format, err := doccache.ParseOutputFormat(strings.TrimPrefix(ext, "."))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	telemetry.SetFormat(r, string(format))

	key, err := doccache.ParseFingerprint(strings.TrimSuffix(name, ext))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	entry, body, err := s.store.OpenConverted(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, doccache.ErrCacheCorruption):
			// Drop the broken entry so the next /convert redoes the work.
			s.logger.Warn("evicting corrupt entry", "key", key.ShortString(), "error", err)
			if evictErr := s.store.Evict(r.Context(), key); evictErr != nil {
				s.logger.Error("failed to evict corrupt entry", "key", key.ShortString(), "error", evictErr)
			}
			http.NotFound(w, r)
		case errors.Is(err, doccache.ErrNotFound), errors.Is(err, doccache.ErrAlreadyPending):
			http.NotFound(w, r)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer body.Close()

	// The route format must match the stored artifact; the same
	// fingerprint never exists in both formats.
	if entry.Format != format {
		http.NotFound(w, r)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", downloadName(entry.Source.Base(), format)))

	if rs, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", entry.CreatedAt, rs)
		return
	}

	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("failed streaming artifact", "key", key.ShortString(), "error", err)
	}
}

// downloadName builds a friendly file name for the Content-Disposition
// header from the source document name and the artifact format.
func downloadName(base string, format doccache.OutputFormat) string {
	if base == "" {
		return "document" + format.Ext()
	}
	return strings.TrimSuffix(base, path.Ext(base)) + format.Ext()
}
