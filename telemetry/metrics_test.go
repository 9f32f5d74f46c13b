package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(502))
	require.Equal(t, "unknown", StatusClass(0))
}

func TestRecordersAreSafeBeforeInit(t *testing.T) {
	// All recorders must be no-ops when metrics are not initialized.
	ctx := context.Background()
	r := httptest.NewRequest("GET", "/convert", nil)

	RecordHTTP(ctx, r, 200, 1024, time.Millisecond)
	RecordConversion(ctx, ".docx", "pdf", time.Second, "success")
	RecordCacheLookup(ctx, CacheHit)
	RecordArtifactSize(ctx, "pdf", 4096)
	RecordSourceFetch(ctx, "url", time.Millisecond, 100, "success")
	RecordEvictions(ctx, "expired", 3, 9000)
	RecordSweep(ctx, time.Millisecond)
}

func TestInitMetricsAndRecord(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitMetrics(ctx, MetricsConfig{
		ServiceName:      "doccache-test",
		EnablePrometheus: true,
	})
	require.NoError(t, err)
	defer func() { _ = shutdown(ctx) }()

	r := InjectTags(httptest.NewRequest("GET", "/convert", nil))
	SetEndpoint(r, "convert")
	SetCacheResult(r, CacheMiss)

	RecordHTTP(ctx, r, 200, 2048, 5*time.Millisecond)
	RecordConversion(ctx, ".docx", "pdf", 3*time.Second, "success")
	RecordCacheLookup(ctx, CacheMiss)
	RecordEvictions(ctx, "expired", 1, 2048)

	// Prometheus endpoint serves after init.
	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)
}
