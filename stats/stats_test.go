package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/doccache"
)

func newTestDB(t *testing.T, now func() time.Time) *DB {
	t.Helper()
	opts := []Option{WithNoSync(true)}
	if now != nil {
		opts = append(opts, WithNow(now))
	}
	d := New(opts...)
	require.NoError(t, d.Open(filepath.Join(t.TempDir(), "stats.db")))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestCountersAccumulate(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	d := newTestDB(t, func() time.Time { return now })
	ctx := context.Background()

	d.Conversion(".docx", doccache.FormatPDF)
	d.Conversion(".docx", doccache.FormatPDF)
	d.CacheHit(".docx", doccache.FormatPDF)
	d.Conversion(".md", doccache.FormatHTML)

	rows, err := d.CountersForDate(ctx, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byExt := map[string]Counter{}
	for _, row := range rows {
		byExt[row.Ext] = row.Counter
	}
	require.Equal(t, Counter{Conversions: 2, CacheHits: 1}, byExt[".docx"])
	require.Equal(t, Counter{Conversions: 1}, byExt[".md"])
}

func TestDailyRollupIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	d := newTestDB(t, func() time.Time { return now })
	ctx := context.Background()

	d.Conversion(".docx", doccache.FormatPDF)
	d.CacheHit(".docx", doccache.FormatPDF)

	first, err := d.WriteDailyRollup(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Conversions)
	require.Equal(t, int64(1), first.CacheHits)

	// Replaying the same day recomputes rather than accumulating.
	second, err := d.WriteDailyRollup(ctx, now)
	require.NoError(t, err)
	require.Equal(t, first.Conversions, second.Conversions)

	rollups, err := d.DailyRollups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
}

func TestSchedulerCatchesUpMissedDays(t *testing.T) {
	clock := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) // Monday
	now := func() time.Time { return clock }
	d := newTestDB(t, now)
	ctx := context.Background()

	// Activity on Monday, then the process is down for three days.
	d.Conversion(".docx", doccache.FormatPDF)

	cfg := DefaultSchedulerConfig()
	s := NewScheduler(d, cfg)
	s.now = now

	// First check: only yesterday (Sunday) is due.
	s.RunOnce(ctx)
	rollups, err := d.DailyRollups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.Equal(t, "2025-06-01", rollups[0].Date)

	// Restart three days later: the missed days are replayed once each.
	clock = time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC) // Thursday
	s.RunOnce(ctx)

	rollups, err = d.DailyRollups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rollups, 4)

	dates := map[string]bool{}
	for _, r := range rollups {
		dates[r.Date] = true
	}
	for _, want := range []string{"2025-06-01", "2025-06-02", "2025-06-03", "2025-06-04"} {
		require.True(t, dates[want], "missing rollup for %s", want)
	}

	// Monday's activity landed in Monday's rollup.
	for _, r := range rollups {
		if r.Date == "2025-06-02" {
			require.Equal(t, int64(1), r.Conversions)
		}
	}

	// Running again writes nothing new.
	s.RunOnce(ctx)
	again, err := d.DailyRollups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, again, 4)
}

func TestSchedulerWeeklyRollupAndPrune(t *testing.T) {
	clock := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) // Monday
	now := func() time.Time { return clock }
	d := newTestDB(t, now)
	ctx := context.Background()

	cfg := DefaultSchedulerConfig()
	cfg.CounterRetention = 48 * time.Hour
	s := NewScheduler(d, cfg)
	s.now = now

	// Counter activity well past retention.
	clock = time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	d.Conversion(".docx", doccache.FormatPDF)
	old := clock

	// Recent activity.
	clock = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	d.Conversion(".xlsx", doccache.FormatPDF)

	s.RunOnce(ctx)

	weekly, err := d.WeeklyRollups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	require.Equal(t, "2025-06-01", weekly[0].WeekEnd) // most recent Sunday

	// Old counter cells were pruned, recent ones kept.
	rows, err := d.CountersForDate(ctx, old)
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = d.CountersForDate(ctx, clock)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	d := newTestDB(t, func() time.Time { return now })
	ctx := context.Background()

	d.Conversion(".docx", doccache.FormatPDF)
	d.CacheHit(".docx", doccache.FormatPDF)
	d.CacheHit(".md", doccache.FormatHTML)

	snap, err := d.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "2025-06-02", snap.Today.Date)
	require.Equal(t, int64(1), snap.Today.Conversions)
	require.Equal(t, int64(2), snap.Today.CacheHits)
	require.Equal(t, Counter{Conversions: 1, CacheHits: 1}, snap.Today.ByExt[".docx"])
}

func TestPreviousWeekday(t *testing.T) {
	monday := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Monday, monday.Weekday())

	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), previousWeekday(monday, time.Sunday))
	require.Equal(t, monday, previousWeekday(monday, time.Monday))
	require.Equal(t, time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC), previousWeekday(monday, time.Tuesday))
}
