package janitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/doccache"
	"github.com/wolfeidau/doccache/store"
)

func publishEntry(t *testing.T, s *store.Store, path string) doccache.Fingerprint {
	t.Helper()
	ctx := context.Background()
	desc, err := doccache.ParsePathDescriptor(path)
	require.NoError(t, err)
	key := doccache.NewFingerprint(desc, doccache.FormatPDF)
	_, err = s.BeginPending(ctx, key, desc, doccache.FormatPDF, ".docx")
	require.NoError(t, err)
	_, err = s.Publish(ctx, key, strings.NewReader("artifact"))
	require.NoError(t, err)
	return key
}

func TestSweepEvictsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, err := store.Open(t.TempDir(),
		store.WithStoreNoSync(true),
		store.WithRetention(time.Hour),
		store.WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	oldKey := publishEntry(t, s, "/files/old.docx")

	m := NewManager(s, DefaultConfig())
	m.now = func() time.Time { return now }

	// Inside the retention window: nothing to do.
	result := m.RunOnce(ctx)
	require.Equal(t, 0, result.Expired)

	// Past the window: evicted.
	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	result = m.RunOnce(ctx)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, int64(8), result.BytesFreed)

	_, err = s.Lookup(ctx, oldKey)
	require.ErrorIs(t, err, doccache.ErrNotFound)
}

func TestSweepReclaimsStalePending(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, err := store.Open(t.TempDir(),
		store.WithStoreNoSync(true),
		store.WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	desc, err := doccache.ParsePathDescriptor("/files/stuck.docx")
	require.NoError(t, err)
	key := doccache.NewFingerprint(desc, doccache.FormatPDF)
	_, err = s.BeginPending(ctx, key, desc, doccache.FormatPDF, ".docx")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PendingGrace = 3 * time.Minute
	m := NewManager(s, cfg)

	// Within the grace period the claim is presumed in flight.
	m.now = func() time.Time { return now.Add(time.Minute) }
	result := m.RunOnce(ctx)
	require.Equal(t, 0, result.PendingReclaimed)

	// Past the grace period it is crash leftover.
	m.now = func() time.Time { return now.Add(10 * time.Minute) }
	result = m.RunOnce(ctx)
	require.Equal(t, 1, result.PendingReclaimed)

	// The fingerprint can be claimed again.
	_, err = s.BeginPending(ctx, key, desc, doccache.FormatPDF, ".docx")
	require.NoError(t, err)
}

func TestClearAllRequiresConfirmation(t *testing.T) {
	s, err := store.Open(t.TempDir(), store.WithStoreNoSync(true))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	publishEntry(t, s, "/files/a.docx")
	publishEntry(t, s, "/files/b.docx")

	m := NewManager(s, DefaultConfig())

	_, err = m.ClearAll(ctx, false)
	require.ErrorIs(t, err, ErrNotConfirmed)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.ReadyEntries, "unconfirmed clear must not touch the cache")

	result, err := m.ClearAll(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, result.Entries)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.ReadyEntries)
}

func TestSweepCallback(t *testing.T) {
	s, err := store.Open(t.TempDir(), store.WithStoreNoSync(true))
	require.NoError(t, err)
	defer s.Close()

	var got *SweepResult
	cfg := DefaultConfig()
	cfg.OnSweep = func(r *SweepResult) { got = r }

	m := NewManager(s, cfg)
	result := m.RunOnce(context.Background())
	require.Same(t, result, got)
}
