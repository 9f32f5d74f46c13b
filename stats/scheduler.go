package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task names persisted in the tasks bucket.
const (
	taskDaily  = "daily_rollup"
	taskWeekly = "weekly_rollup"
)

// SchedulerConfig holds rollup scheduling configuration.
type SchedulerConfig struct {
	// DailyAt is the offset after midnight when a completed day's rollup
	// becomes due. Default is 5 minutes past midnight.
	DailyAt time.Duration

	// WeeklyDay is the weekday on which the weekly rollup runs.
	// Default is Sunday.
	WeeklyDay time.Weekday

	// Tick is the scheduler's check granularity. Default is 30 seconds.
	Tick time.Duration

	// CounterRetention is how long fine-grained counter cells are kept
	// before the weekly task prunes them. Default is 90 days.
	CounterRetention time.Duration

	// Logger for scheduler events.
	Logger *slog.Logger
}

// DefaultSchedulerConfig returns a default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DailyAt:          5 * time.Minute,
		WeeklyDay:        time.Sunday,
		Tick:             30 * time.Second,
		CounterRetention: 90 * 24 * time.Hour,
		Logger:           slog.Default(),
	}
}

// Scheduler writes daily and weekly rollups at their scheduled times. The
// last completed run of each task is persisted, so after downtime the
// scheduler replays every missed period exactly once.
type Scheduler struct {
	config SchedulerConfig
	db     *DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler over the given stats DB.
func NewScheduler(db *DB, cfg SchedulerConfig) *Scheduler {
	if cfg.DailyAt == 0 {
		cfg.DailyAt = 5 * time.Minute
	}
	if cfg.Tick == 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.CounterRetention == 0 {
		cfg.CounterRetention = 90 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		config: cfg,
		db:     db,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background scheduling. Missed periods are caught up on the
// first check.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops background scheduling and waits for the current check.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	// Catch up immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single due-task check, writing any rollups whose
// scheduled time has passed since the last persisted run.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	s.runDaily(ctx, now)
	s.runWeekly(ctx, now)
}

// runDaily writes rollups for every completed day since the last run.
// lastRun stores the most recent rolled-up day, so a crash between days
// resumes exactly where it left off; the rollup write itself is a
// recompute-and-overwrite, so a crash between write and marker cannot
// double-count.
func (s *Scheduler) runDaily(ctx context.Context, now time.Time) {
	last, err := s.db.LastRun(ctx, taskDaily)
	if err != nil {
		s.logger.Error("reading daily rollup marker", "error", err)
		return
	}

	var day time.Time
	if last.IsZero() {
		day = startOfDay(now).AddDate(0, 0, -1)
	} else {
		day = startOfDay(last).AddDate(0, 0, 1)
	}

	// A day is due once it has ended and the scheduled time has passed.
	for !day.AddDate(0, 0, 1).Add(s.config.DailyAt).After(now) {
		rollup, err := s.db.WriteDailyRollup(ctx, day)
		if err != nil {
			s.logger.Error("writing daily rollup", "date", day.Format(DateLayout), "error", err)
			return
		}
		if err := s.db.SetLastRun(ctx, taskDaily, day); err != nil {
			s.logger.Error("persisting daily rollup marker", "error", err)
			return
		}
		s.logger.Info("daily rollup written",
			"date", rollup.Date,
			"conversions", rollup.Conversions,
			"cache_hits", rollup.CacheHits,
		)
		day = day.AddDate(0, 0, 1)
	}
}

// runWeekly writes rollups for every completed week since the last run,
// pruning counter cells past retention after each.
func (s *Scheduler) runWeekly(ctx context.Context, now time.Time) {
	last, err := s.db.LastRun(ctx, taskWeekly)
	if err != nil {
		s.logger.Error("reading weekly rollup marker", "error", err)
		return
	}

	var end time.Time
	if last.IsZero() {
		end = previousWeekday(startOfDay(now), s.config.WeeklyDay)
	} else {
		end = startOfDay(last).AddDate(0, 0, 7)
	}

	for !end.Add(s.config.DailyAt).After(now) {
		rollup, err := s.db.WriteWeeklyRollup(ctx, end)
		if err != nil {
			s.logger.Error("writing weekly rollup", "week_end", end.Format(DateLayout), "error", err)
			return
		}
		if _, err := s.db.PruneCounters(ctx, end.Add(-s.config.CounterRetention)); err != nil {
			s.logger.Error("pruning old counters", "error", err)
		}
		if err := s.db.SetLastRun(ctx, taskWeekly, end); err != nil {
			s.logger.Error("persisting weekly rollup marker", "error", err)
			return
		}
		s.logger.Info("weekly rollup written",
			"week_start", rollup.WeekStart,
			"week_end", rollup.WeekEnd,
			"conversions", rollup.Conversions,
		)
		end = end.AddDate(0, 0, 7)
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// previousWeekday returns the most recent occurrence of wd at or before
// the given day.
func previousWeekday(day time.Time, wd time.Weekday) time.Time {
	diff := (int(day.Weekday()) - int(wd) + 7) % 7
	return day.AddDate(0, 0, -diff)
}
