// Package stats tracks conversion and cache-hit counts per day, extension
// and output format, with daily and weekly rollups written by a scheduler
// that catches up after downtime.
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/doccache"
)

// DateLayout is the day key format for counters and rollups.
const DateLayout = "2006-01-02"

// Bucket names for bbolt storage.
var (
	bucketCounters = []byte("counters")       // date|ext|format -> Counter JSON
	bucketDaily    = []byte("daily_rollups")  // date -> DailyRollup JSON
	bucketWeekly   = []byte("weekly_rollups") // week-end date -> WeeklyRollup JSON
	bucketTasks    = []byte("tasks")          // task name -> RFC3339 last run
)

// Counter holds usage counts for one (date, extension, format) cell.
type Counter struct {
	Conversions int64 `json:"conversions"`
	CacheHits   int64 `json:"cache_hits"`
}

func (c Counter) add(other Counter) Counter {
	return Counter{
		Conversions: c.Conversions + other.Conversions,
		CacheHits:   c.CacheHits + other.CacheHits,
	}
}

// CounterRow is a counter cell with its key parts.
type CounterRow struct {
	Date    string  `json:"date"`
	Ext     string  `json:"ext"`
	Format  string  `json:"format"`
	Counter Counter `json:"counter"`
}

// DailyRollup aggregates one complete day.
type DailyRollup struct {
	Date        string             `json:"date"`
	Conversions int64              `json:"conversions"`
	CacheHits   int64              `json:"cache_hits"`
	ByExt       map[string]Counter `json:"by_ext,omitempty"`
	ByFormat    map[string]Counter `json:"by_format,omitempty"`
}

// WeeklyRollup aggregates the seven days ending at WeekEnd (exclusive).
type WeeklyRollup struct {
	WeekStart   string `json:"week_start"`
	WeekEnd     string `json:"week_end"`
	Conversions int64  `json:"conversions"`
	CacheHits   int64  `json:"cache_hits"`
}

// DB is the bbolt-backed statistics store.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance with options.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the statistics database at the given path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening stats database: %w", err)
	}
	d.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCounters, bucketDaily, bucketWeekly, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened stats db", "path", path)
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// makeCounterKey builds a date|ext|format compound key.
func makeCounterKey(date, ext, format string) []byte {
	result := make([]byte, 0, len(date)+1+len(ext)+1+len(format))
	result = append(result, date...)
	result = append(result, 0)
	result = append(result, ext...)
	result = append(result, 0)
	result = append(result, format...)
	return result
}

// parseCounterKey splits a compound counter key.
func parseCounterKey(data []byte) (date, ext, format string) {
	parts := bytes.SplitN(data, []byte{0}, 3)
	if len(parts) != 3 {
		return string(data), "", ""
	}
	return string(parts[0]), string(parts[1]), string(parts[2])
}

// Conversion records a completed conversion. Implements the coordinator's
// Recorder; failures are logged, not surfaced, so stats never block serving.
func (d *DB) Conversion(ext string, format doccache.OutputFormat) {
	d.increment(ext, format, Counter{Conversions: 1})
}

// CacheHit records a request served from cache.
func (d *DB) CacheHit(ext string, format doccache.OutputFormat) {
	d.increment(ext, format, Counter{CacheHits: 1})
}

func (d *DB) increment(ext string, format doccache.OutputFormat, delta Counter) {
	date := d.now().Format(DateLayout)
	key := makeCounterKey(date, ext, string(format))

	err := d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return fmt.Errorf("counters bucket not found")
		}

		var counter Counter
		if val := bucket.Get(key); val != nil {
			if err := json.Unmarshal(val, &counter); err != nil {
				return fmt.Errorf("unmarshaling counter: %w", err)
			}
		}

		counter = counter.add(delta)

		data, err := json.Marshal(&counter)
		if err != nil {
			return fmt.Errorf("marshaling counter: %w", err)
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		d.logger.Warn("failed to record stat",
			"date", date, "ext", ext, "format", format, "error", err)
	}
}

// CountersForDate returns all counter cells for one day.
func (d *DB) CountersForDate(_ context.Context, date time.Time) ([]CounterRow, error) {
	prefix := append([]byte(date.Format(DateLayout)), 0)

	var rows []CounterRow
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				d.logger.Warn("skipping corrupt counter", "key", string(k), "error", err)
				continue
			}
			dateStr, ext, format := parseCounterKey(k)
			rows = append(rows, CounterRow{Date: dateStr, Ext: ext, Format: format, Counter: counter})
		}
		return nil
	})
	return rows, err
}

// WriteDailyRollup recomputes and stores the rollup for one day from its
// counter cells. Overwriting makes the operation idempotent, so replaying
// a day after a crash cannot double-count.
func (d *DB) WriteDailyRollup(ctx context.Context, date time.Time) (*DailyRollup, error) {
	rows, err := d.CountersForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	rollup := &DailyRollup{
		Date:     date.Format(DateLayout),
		ByExt:    map[string]Counter{},
		ByFormat: map[string]Counter{},
	}
	for _, row := range rows {
		rollup.Conversions += row.Counter.Conversions
		rollup.CacheHits += row.Counter.CacheHits
		rollup.ByExt[row.Ext] = rollup.ByExt[row.Ext].add(row.Counter)
		rollup.ByFormat[row.Format] = rollup.ByFormat[row.Format].add(row.Counter)
	}

	data, err := json.Marshal(rollup)
	if err != nil {
		return nil, fmt.Errorf("marshaling daily rollup: %w", err)
	}

	err = d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDaily)
		if bucket == nil {
			return fmt.Errorf("daily_rollups bucket not found")
		}
		return bucket.Put([]byte(rollup.Date), data)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("wrote daily rollup",
		"date", rollup.Date,
		"conversions", rollup.Conversions,
		"cache_hits", rollup.CacheHits,
	)
	return rollup, nil
}

// WriteWeeklyRollup aggregates the seven daily rollups before weekEnd
// (exclusive) and stores the result keyed by weekEnd. Idempotent.
func (d *DB) WriteWeeklyRollup(_ context.Context, weekEnd time.Time) (*WeeklyRollup, error) {
	weekStart := weekEnd.AddDate(0, 0, -7)
	rollup := &WeeklyRollup{
		WeekStart: weekStart.Format(DateLayout),
		WeekEnd:   weekEnd.Format(DateLayout),
	}

	err := d.db.Update(func(tx *bbolt.Tx) error {
		daily := tx.Bucket(bucketDaily)
		if daily == nil {
			return fmt.Errorf("daily_rollups bucket not found")
		}

		for day := weekStart; day.Before(weekEnd); day = day.AddDate(0, 0, 1) {
			val := daily.Get([]byte(day.Format(DateLayout)))
			if val == nil {
				continue
			}
			var dr DailyRollup
			if err := json.Unmarshal(val, &dr); err != nil {
				d.logger.Warn("skipping corrupt daily rollup", "date", day.Format(DateLayout), "error", err)
				continue
			}
			rollup.Conversions += dr.Conversions
			rollup.CacheHits += dr.CacheHits
		}

		data, err := json.Marshal(rollup)
		if err != nil {
			return fmt.Errorf("marshaling weekly rollup: %w", err)
		}

		weekly := tx.Bucket(bucketWeekly)
		if weekly == nil {
			return fmt.Errorf("weekly_rollups bucket not found")
		}
		return weekly.Put([]byte(rollup.WeekEnd), data)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("wrote weekly rollup",
		"week_start", rollup.WeekStart,
		"week_end", rollup.WeekEnd,
		"conversions", rollup.Conversions,
	)
	return rollup, nil
}

// PruneCounters deletes counter cells for days before the cutoff.
// Rollups are kept; only the fine-grained cells go.
func (d *DB) PruneCounters(_ context.Context, before time.Time) (int, error) {
	cutoff := before.Format(DateLayout)

	var pruned int
	err := d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			date, _, _ := parseCounterKey(k)
			if date >= cutoff {
				// Keys sort by date prefix, so everything after is newer.
				break
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting counter: %w", err)
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, err
	}

	if pruned > 0 {
		d.logger.Info("pruned old stat counters", "count", pruned, "before", cutoff)
	}
	return pruned, nil
}

// DailyRollups returns the most recent daily rollups, newest first.
func (d *DB) DailyRollups(_ context.Context, limit int) ([]DailyRollup, error) {
	var rollups []DailyRollup
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDaily)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(rollups) >= limit {
				break
			}
			var rollup DailyRollup
			if err := json.Unmarshal(v, &rollup); err != nil {
				continue
			}
			rollups = append(rollups, rollup)
		}
		return nil
	})
	return rollups, err
}

// WeeklyRollups returns the most recent weekly rollups, newest first.
func (d *DB) WeeklyRollups(_ context.Context, limit int) ([]WeeklyRollup, error) {
	var rollups []WeeklyRollup
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWeekly)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(rollups) >= limit {
				break
			}
			var rollup WeeklyRollup
			if err := json.Unmarshal(v, &rollup); err != nil {
				continue
			}
			rollups = append(rollups, rollup)
		}
		return nil
	})
	return rollups, err
}

// LastRun returns when a scheduled task last completed, or the zero time.
func (d *DB) LastRun(_ context.Context, task string) (time.Time, error) {
	var t time.Time
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if bucket == nil {
			return nil
		}
		val := bucket.Get([]byte(task))
		if val == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, string(val))
		if err != nil {
			return fmt.Errorf("parsing last run for %s: %w", task, err)
		}
		t = parsed
		return nil
	})
	return t, err
}

// SetLastRun persists a task's completion marker.
func (d *DB) SetLastRun(_ context.Context, task string, t time.Time) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if bucket == nil {
			return fmt.Errorf("tasks bucket not found")
		}
		return bucket.Put([]byte(task), []byte(t.Format(time.RFC3339)))
	})
}

// Snapshot summarizes today's counters plus recent rollups for the stats
// endpoint.
type Snapshot struct {
	Today  DailyRollup    `json:"today"`
	Daily  []DailyRollup  `json:"daily,omitempty"`
	Weekly []WeeklyRollup `json:"weekly,omitempty"`
}

// Snapshot builds the stats endpoint payload: a live aggregate of today's
// counters plus the last 7 daily and 4 weekly rollups.
func (d *DB) Snapshot(ctx context.Context) (*Snapshot, error) {
	today := d.now()

	rows, err := d.CountersForDate(ctx, today)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Today: DailyRollup{
			Date:     today.Format(DateLayout),
			ByExt:    map[string]Counter{},
			ByFormat: map[string]Counter{},
		},
	}
	for _, row := range rows {
		snap.Today.Conversions += row.Counter.Conversions
		snap.Today.CacheHits += row.Counter.CacheHits
		snap.Today.ByExt[row.Ext] = snap.Today.ByExt[row.Ext].add(row.Counter)
		snap.Today.ByFormat[row.Format] = snap.Today.ByFormat[row.Format].add(row.Counter)
	}

	if snap.Daily, err = d.DailyRollups(ctx, 7); err != nil {
		return nil, err
	}
	if snap.Weekly, err = d.WeeklyRollups(ctx, 4); err != nil {
		return nil, err
	}

	sort.Slice(snap.Daily, func(i, j int) bool { return snap.Daily[i].Date > snap.Daily[j].Date })
	return snap, nil
}
