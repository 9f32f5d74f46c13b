package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/convert"
)

// stubConverter returns canned output without running LibreOffice.
type stubConverter struct {
	output []byte
	fail   bool
}

func (c *stubConverter) Convert(_ context.Context, _ string, _ doccache.OutputFormat) (io.ReadCloser, error) {
	if c.fail {
		return nil, fmt.Errorf("%w: stub failure", doccache.ErrConverterFault)
	}
	return io.NopCloser(bytes.NewReader(c.output)), nil
}

func (c *stubConverter) Version(context.Context) (string, error) {
	return "stub 1.0", nil
}

var _ convert.Converter = (*stubConverter)(nil)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cfg := Config{
		StoragePath: t.TempDir(),
		Converter:   &stubConverter{output: []byte("%PDF-1.7 converted")},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return s
}

func writeSourceFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("source document body"), 0o600))
	return p
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decodeConvert(t *testing.T, w *httptest.ResponseRecorder) convertResponse {
	t.Helper()
	var resp convertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestConvertPathThenServeArtifact(t *testing.T) {
	s := newTestServer(t, nil)
	src := writeSourceFile(t, "report.docx")

	w := doRequest(t, s, http.MethodGet, "/convert?path="+src+"&output=pdf")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeConvert(t, w)
	require.True(t, resp.Success)
	require.False(t, resp.Cached)
	require.Contains(t, resp.URL, "/files/pdf/")

	// The artifact URL serves the converted bytes inline.
	w = doRequest(t, s, http.MethodGet, resp.URL)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	require.Contains(t, w.Header().Get("Content-Disposition"), `inline; filename="report.pdf"`)
	require.Equal(t, "%PDF-1.7 converted", w.Body.String())

	// Second convert is a cache hit.
	w = doRequest(t, s, http.MethodGet, "/convert?path="+src+"&output=pdf")
	resp = decodeConvert(t, w)
	require.True(t, resp.Success)
	require.True(t, resp.Cached)
}

func TestConvertInputProblemsAre200(t *testing.T) {
	s := newTestServer(t, nil)
	src := writeSourceFile(t, "report.docx")

	tests := []struct {
		name   string
		target string
	}{
		{"missing source", "/convert?output=pdf"},
		{"both url and path", "/convert?url=http://example.com/a.docx&path=/tmp/a.docx&output=pdf"},
		{"bad output format", "/convert?path=" + src + "&output=docx"},
		{"unsupported extension", "/convert?path=/tmp/setup.exe&output=pdf"},
		{"missing file", "/convert?path=/tmp/never-existed.docx&output=pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodGet, tt.target)
			require.Equal(t, http.StatusOK, w.Code)

			resp := decodeConvert(t, w)
			require.False(t, resp.Success)
			require.NotEmpty(t, resp.Message)
			require.Empty(t, resp.URL)
		})
	}
}

func TestConvertConverterFaultIs5xx(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Converter = &stubConverter{fail: true}
	})
	src := writeSourceFile(t, "report.docx")

	w := doRequest(t, s, http.MethodGet, "/convert?path="+src+"&output=pdf")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decodeConvert(t, w)
	require.False(t, resp.Success)
	require.Equal(t, "conversion failed", resp.Message)
}

func TestFilesRejectsUnknownNames(t *testing.T) {
	s := newTestServer(t, nil)

	// Well-formed fingerprint, nothing cached under it.
	w := doRequest(t, s, http.MethodGet, "/files/pdf/"+doccache.Fingerprint{}.String()+".pdf")
	require.Equal(t, http.StatusNotFound, w.Code)

	// Not a fingerprint at all.
	w = doRequest(t, s, http.MethodGet, "/files/pdf/etc-passwd.pdf")
	require.Equal(t, http.StatusNotFound, w.Code)

	// Unknown format segment.
	w = doRequest(t, s, http.MethodGet, "/files/docx/"+doccache.Fingerprint{}.String()+".docx")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestLoggingPreservesStatus(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "stub 1.0", health.Converter)
}
