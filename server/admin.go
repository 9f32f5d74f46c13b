package server

import (
	"errors"
	"net/http"

	"github.com/wolfeidau/doccache/janitor"
	"github.com/wolfeidau/doccache/stats"
	"github.com/wolfeidau/doccache/store"
	"github.com/wolfeidau/doccache/telemetry"
)

// cacheStatsResponse combines store-level entry stats with the activity
// counters and rollups.
type cacheStatsResponse struct {
	Store    *store.Stats    `json:"store"`
	Activity *stats.Snapshot `json:"activity"`
}

// handleCacheStats reports cache contents and conversion activity.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_stats")

	storeStats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	activity, err := s.stats.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, cacheStatsResponse{Store: storeStats, Activity: activity})
}

type clearAllResponse struct {
	Cleared    int   `json:"cleared"`
	BytesFreed int64 `json:"bytes_freed"`
}

// handleClearAll evicts the entire cache. The caller must pass
// confirm=true explicitly; anything else is rejected.
func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_clear_all")

	confirm := r.FormValue("confirm") == "true"

	result, err := s.janitor.ClearAll(r.Context(), confirm)
	if err != nil {
		if errors.Is(err, janitor.ErrNotConfirmed) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "clear-all requires confirm=true",
			})
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	telemetry.RecordEvictions(r.Context(), "clear_all", result.Entries, result.BytesFreed)

	writeJSON(w, http.StatusOK, clearAllResponse{
		Cleared:    result.Entries,
		BytesFreed: result.BytesFreed,
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Converter string `json:"converter,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleHealth reports converter availability and store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.converter.Version(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "degraded",
			Error:  "converter unavailable",
		})
		return
	}

	if _, err := s.store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "degraded",
			Converter: version,
			Error:     "store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Converter: version})
}
