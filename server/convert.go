package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/store"
	"github.com/wolfeidau/doccache/telemetry"
)

// convertResponse is the JSON body for /convert.
type convertResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleConvert converts a source document to the requested output format
// and returns the artifact URL. Problems with the caller's input (bad
// reference, missing file, failed download, unsupported type) are reported
// as success=false with HTTP 200; only service-side failures get 5xx.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "convert")

	desc, err := parseSource(r)
	if err != nil {
		writeConvertError(w, r, err)
		return
	}

	format, err := doccache.ParseOutputFormat(r.FormValue("output"))
	if err != nil {
		writeConvertError(w, r, err)
		return
	}
	telemetry.SetFormat(r, string(format))

	entry, hit, err := s.coordinator.Ensure(r.Context(), desc, format)
	if err != nil {
		writeConvertError(w, r, err)
		return
	}
	recordLookup(r, hit)
	if !hit {
		telemetry.RecordArtifactSize(r.Context(), string(entry.Format), entry.SizeBytes)
	}

	writeJSON(w, http.StatusOK, convertResponse{
		Success: true,
		URL:     artifactURL(entry),
		Cached:  hit,
	})
}

// parseSource extracts the source descriptor from a request. Exactly one
// of url and path must be provided.
func parseSource(r *http.Request) (doccache.SourceDescriptor, error) {
	rawURL := r.FormValue("url")
	rawPath := r.FormValue("path")

	switch {
	case rawURL != "" && rawPath != "":
		return doccache.SourceDescriptor{}, fmt.Errorf("%w: url and path are mutually exclusive", doccache.ErrInvalidDescriptor)
	case rawURL != "":
		return doccache.ParseURLDescriptor(rawURL)
	case rawPath != "":
		return doccache.ParsePathDescriptor(rawPath)
	}
	return doccache.SourceDescriptor{}, fmt.Errorf("%w: url or path is required", doccache.ErrInvalidDescriptor)
}

// artifactURL builds the serving path for a published artifact.
func artifactURL(entry *store.Entry) string {
	return "/files/" + string(entry.Format) + "/" + store.ArtifactName(entry.Key, entry.Format)
}

// recordLookup tags the request and records the cache lookup metric.
func recordLookup(r *http.Request, hit bool) {
	result := telemetry.CacheMiss
	if hit {
		result = telemetry.CacheHit
	}
	telemetry.SetCacheResult(r, result)
	telemetry.RecordCacheLookup(r.Context(), result)
}

// inputError reports whether the failure was caused by the caller's input
// rather than the service.
func inputError(err error) bool {
	return errors.Is(err, doccache.ErrInvalidDescriptor) ||
		errors.Is(err, doccache.ErrSourceNotFound) ||
		errors.Is(err, doccache.ErrDownloadFailure) ||
		errors.Is(err, doccache.ErrSourceTooLarge) ||
		errors.Is(err, doccache.ErrUnsupportedFormat)
}

// errorStatus maps a conversion failure to an HTTP status. Input problems
// stay 200 so API clients read the success flag rather than the status.
func errorStatus(err error) int {
	switch {
	case inputError(err):
		return http.StatusOK
	case errors.Is(err, doccache.ErrConversionTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeConvertError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		// Converter output can carry local paths; keep the body generic.
		message = "conversion failed"
	}

	writeJSON(w, status, convertResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
