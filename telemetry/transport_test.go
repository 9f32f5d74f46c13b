package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedTransportRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("document body"))
	}))
	defer ts.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "url")}

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "document body", string(body))

	// Body wrapping counts bytes and records once on close.
	ib, ok := resp.Body.(*instrumentedBody)
	require.True(t, ok)
	require.Equal(t, int64(13), ib.bytes)
}

func TestInstrumentedTransportUpstreamError(t *testing.T) {
	client := &http.Client{Transport: NewInstrumentedTransport(nil, "url")}

	// Connection refused: RoundTrip records an error outcome and returns it.
	_, err := client.Get("http://127.0.0.1:1")
	require.Error(t, err)
}
