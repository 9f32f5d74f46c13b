package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheStatsAndClearAll(t *testing.T) {
	s := newTestServer(t, nil)
	src := writeSourceFile(t, "report.docx")

	w := doRequest(t, s, http.MethodGet, "/convert?path="+src+"&output=pdf")
	require.True(t, decodeConvert(t, w).Success)

	// Stats reflect the published entry and the recorded conversion.
	w = doRequest(t, s, http.MethodGet, "/cache/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var statsResp cacheStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statsResp))
	require.Equal(t, 1, statsResp.Store.ReadyEntries)
	require.Equal(t, 0, statsResp.Store.PendingEntries)
	require.NotZero(t, statsResp.Store.TotalSizeBytes)
	require.Equal(t, int64(1), statsResp.Activity.Today.Conversions)

	// Clear-all requires explicit confirmation.
	w = doRequest(t, s, http.MethodPost, "/cache/clear-all")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/cache/clear-all?confirm=false")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/cache/clear-all?confirm=true")
	require.Equal(t, http.StatusOK, w.Code)

	var cleared clearAllResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cleared))
	require.Equal(t, 1, cleared.Cleared)
	require.NotZero(t, cleared.BytesFreed)

	// Cache is empty afterwards.
	w = doRequest(t, s, http.MethodGet, "/cache/stats")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statsResp))
	require.Equal(t, 0, statsResp.Store.ReadyEntries)
}
