package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/resolver"
	"github.com/wolfeidau/doccache/store"
)

// stubConverter fakes a slow external converter.
type stubConverter struct {
	calls    atomic.Int32
	failures int32 // fail this many calls before succeeding
	delay    time.Duration
	output   string
}

func (s *stubConverter) Convert(ctx context.Context, src string, format doccache.OutputFormat) (io.ReadCloser, error) {
	n := s.calls.Add(1)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= s.failures {
		return nil, fmt.Errorf("%w: simulated crash", doccache.ErrConverterFault)
	}

	return io.NopCloser(strings.NewReader(s.output)), nil
}

func (s *stubConverter) Version(context.Context) (string, error) {
	return "stub 1.0", nil
}

// countingRecorder tallies recorder callbacks.
type countingRecorder struct {
	mu          sync.Mutex
	conversions int
	hits        int
}

func (r *countingRecorder) Conversion(string, doccache.OutputFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversions++
}

func (r *countingRecorder) CacheHit(string, doccache.OutputFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
}

func writeSource(t *testing.T, name, content string) doccache.SourceDescriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	desc, err := doccache.ParsePathDescriptor(path)
	require.NoError(t, err)
	return desc
}

func newTestCoordinator(t *testing.T, conv Converter, opts ...CoordinatorOption) (*Coordinator, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.WithStoreNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return NewCoordinator(s, resolver.New(s), conv, opts...), s
}

func TestEnsureConvertsThenHitsCache(t *testing.T) {
	conv := &stubConverter{output: "%PDF-1.7 converted"}
	rec := &countingRecorder{}
	c, s := newTestCoordinator(t, conv, WithRecorder(rec))
	ctx := context.Background()

	desc := writeSource(t, "report.docx", "doc bytes")

	entry, hit, err := c.Ensure(ctx, desc, doccache.FormatPDF)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, store.StateReady, entry.State)
	require.Equal(t, ".docx", entry.SourceExt)

	_, rc, err := s.OpenConverted(ctx, entry.Key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "%PDF-1.7 converted", string(data))

	_, hit, err = c.Ensure(ctx, desc, doccache.FormatPDF)
	require.NoError(t, err)
	require.True(t, hit)

	require.Equal(t, int32(1), conv.calls.Load())
	require.Equal(t, 1, rec.conversions)
	require.Equal(t, 1, rec.hits)
}

func TestEnsureSharesSingleFlight(t *testing.T) {
	conv := &stubConverter{output: "artifact", delay: 50 * time.Millisecond}
	c, _ := newTestCoordinator(t, conv)

	desc := writeSource(t, "report.docx", "doc bytes")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = c.Ensure(context.Background(), desc, doccache.FormatPDF)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), conv.calls.Load(), "concurrent requests must share one conversion")
}

func TestEnsureFailureLeavesNoEntry(t *testing.T) {
	conv := &stubConverter{output: "artifact", failures: 1}
	c, s := newTestCoordinator(t, conv)
	ctx := context.Background()

	desc := writeSource(t, "report.docx", "doc bytes")
	key := doccache.NewFingerprint(desc, doccache.FormatPDF)

	_, _, err := c.Ensure(ctx, desc, doccache.FormatPDF)
	require.ErrorIs(t, err, doccache.ErrConverterFault)
	// The winner does not retry its own failure.
	require.Equal(t, int32(1), conv.calls.Load())

	_, err = s.Lookup(ctx, key)
	require.ErrorIs(t, err, doccache.ErrNotFound, "failed conversion must leave no entry")

	// A later request starts a fresh attempt and succeeds.
	entry, hit, err := c.Ensure(ctx, desc, doccache.FormatPDF)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, store.StateReady, entry.State)
	require.Equal(t, int32(2), conv.calls.Load())
}

func TestEnsureLosingWaitersRetryOnce(t *testing.T) {
	conv := &stubConverter{output: "%PDF-1.7 retried", failures: 1, delay: 100 * time.Millisecond}
	c, _ := newTestCoordinator(t, conv)

	desc := writeSource(t, "report.docx", "doc bytes")

	const callers = 4
	var wg sync.WaitGroup
	entries := make([]*store.Entry, callers)
	errs := make([]error, callers)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], _, errs[i] = c.Ensure(context.Background(), desc, doccache.FormatPDF)
		}()
	}
	wg.Wait()

	var failed int
	for i, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, doccache.ErrConverterFault)
			failed++
			continue
		}
		require.Equal(t, store.StateReady, entries[i].State)
	}

	// The crash belongs to the caller whose flight ran it; everyone else
	// retries once, and the retries share a single second conversion.
	require.Equal(t, 1, failed)
	require.Equal(t, int32(2), conv.calls.Load())
}

func TestFlightReturnsEntryPublishedDuringRace(t *testing.T) {
	conv := &stubConverter{output: "should not be used"}
	rec := &countingRecorder{}
	c, s := newTestCoordinator(t, conv, WithRecorder(rec))
	ctx := context.Background()

	desc := writeSource(t, "report.docx", "doc bytes")
	key := doccache.NewFingerprint(desc, doccache.FormatPDF)

	// Another flight claims and publishes between this caller's lookup
	// miss and its own flight.
	_, err := s.BeginPending(ctx, key, desc, doccache.FormatPDF, desc.Ext())
	require.NoError(t, err)
	_, err = s.Publish(ctx, key, strings.NewReader("%PDF-1.7 fake"))
	require.NoError(t, err)

	entry, executed, err := c.flight(ctx, key, desc, doccache.FormatPDF)
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, store.StateReady, entry.State)
	require.Equal(t, int32(0), conv.calls.Load())
	require.Equal(t, 1, rec.hits)
}

func TestEnsureUnsupportedSource(t *testing.T) {
	conv := &stubConverter{output: "artifact"}
	c, _ := newTestCoordinator(t, conv)

	desc := writeSource(t, "binary.exe", "MZ")

	_, _, err := c.Ensure(context.Background(), desc, doccache.FormatPDF)
	require.ErrorIs(t, err, doccache.ErrUnsupportedFormat)
	require.Equal(t, int32(0), conv.calls.Load())
}

func TestEnsurePDFPassthrough(t *testing.T) {
	conv := &stubConverter{output: "should not be used"}
	c, s := newTestCoordinator(t, conv)
	ctx := context.Background()

	desc := writeSource(t, "existing.pdf", "%PDF-1.4 original bytes")

	entry, hit, err := c.Ensure(ctx, desc, doccache.FormatPDF)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, int32(0), conv.calls.Load(), "pdf to pdf must bypass the converter")

	_, rc, err := s.OpenConverted(ctx, entry.Key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 original bytes", string(data))
}

func TestEnsureWaiterTimeout(t *testing.T) {
	conv := &stubConverter{output: "artifact", delay: 300 * time.Millisecond}
	c, _ := newTestCoordinator(t, conv, WithWaitTimeout(50*time.Millisecond))
	ctx := context.Background()

	desc := writeSource(t, "slow.docx", "doc bytes")

	_, _, err := c.Ensure(ctx, desc, doccache.FormatPDF)
	require.ErrorIs(t, err, doccache.ErrConversionTimeout)

	// The flight kept running on its detached context and published.
	require.Eventually(t, func() bool {
		_, hit, err := c.Ensure(ctx, desc, doccache.FormatPDF)
		return err == nil && hit
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, int32(1), conv.calls.Load())
}

func TestRetryable(t *testing.T) {
	require.False(t, retryable(errWaitTimeout))
	require.False(t, retryable(context.Canceled))
	require.False(t, retryable(context.DeadlineExceeded))
	require.False(t, retryable(fmt.Errorf("claimed: %w", doccache.ErrAlreadyPending)))
	require.True(t, retryable(fmt.Errorf("%w: crash", doccache.ErrConverterFault)))
	require.True(t, retryable(fmt.Errorf("%w: 502", doccache.ErrDownloadFailure)))
}
