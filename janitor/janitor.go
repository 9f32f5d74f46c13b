// Package janitor reclaims cache space in the background: ready entries
// past their retention window, pending claims orphaned by a crash, and
// operator-confirmed full clears.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/doccache/store"
)

// ErrNotConfirmed is returned when a clear-all is requested without the
// explicit confirmation flag.
var ErrNotConfirmed = errors.New("clear-all requires confirmation")

// Config holds janitor configuration.
type Config struct {
	// SweepInterval is how often the sweep runs. Default is 5 minutes.
	SweepInterval time.Duration

	// PendingGrace is how old a pending claim must be before it is
	// reclaimed as crash leftover. Should be comfortably longer than a
	// conversion can run; default is 5 minutes.
	PendingGrace time.Duration

	// BatchLimit caps expired entries processed per sweep.
	// Zero means no limit.
	BatchLimit int

	// OnSweep, if set, receives the result of every sweep.
	OnSweep func(result *SweepResult)

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 5 * time.Minute,
		PendingGrace:  5 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Manager runs the retention sweep on a timer.
type Manager struct {
	config Config
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a janitor over the given store.
func NewManager(s *store.Store, cfg Config) *Manager {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.PendingGrace == 0 {
		cfg.PendingGrace = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		store:  s,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for the current one to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Expired          int
	PendingReclaimed int
	BytesFreed       int64
	Errors           int
	Duration         time.Duration
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *SweepResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *SweepResult {
	start := m.now()
	result := &SweepResult{}

	m.logger.Debug("starting retention sweep")

	expired, err := m.store.Expired(ctx, start, m.config.BatchLimit)
	if err != nil {
		m.logger.Error("failed to list expired entries", "error", err)
		result.Errors++
	}
	for _, entry := range expired {
		if err := m.store.Evict(ctx, entry.Key); err != nil {
			m.logger.Warn("failed to evict expired entry",
				"key", entry.Key.ShortString(),
				"error", err,
			)
			result.Errors++
			continue
		}
		result.Expired++
		result.BytesFreed += entry.SizeBytes
		m.logger.Debug("evicted expired entry",
			"key", entry.Key.ShortString(),
			"expired_at", entry.ExpiresAt,
		)
	}

	stale, err := m.store.StalePending(ctx, start.Add(-m.config.PendingGrace))
	if err != nil {
		m.logger.Error("failed to list stale pending entries", "error", err)
		result.Errors++
	}
	for _, entry := range stale {
		if err := m.store.Evict(ctx, entry.Key); err != nil {
			m.logger.Warn("failed to reclaim stale pending entry",
				"key", entry.Key.ShortString(),
				"error", err,
			)
			result.Errors++
			continue
		}
		result.PendingReclaimed++
		m.logger.Debug("reclaimed stale pending entry",
			"key", entry.Key.ShortString(),
			"created_at", entry.CreatedAt,
		)
	}

	result.Duration = m.now().Sub(start)

	if result.Expired > 0 || result.PendingReclaimed > 0 {
		m.logger.Info("retention sweep complete",
			"expired", result.Expired,
			"pending_reclaimed", result.PendingReclaimed,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("retention sweep complete, nothing to evict")
	}

	if m.config.OnSweep != nil {
		m.config.OnSweep(result)
	}

	return result
}

// ClearAll evicts every cache entry. The confirm flag must be explicitly
// true; it backs the confirm=true gate on the HTTP surface.
func (m *Manager) ClearAll(ctx context.Context, confirm bool) (*store.ClearResult, error) {
	if !confirm {
		return nil, ErrNotConfirmed
	}

	result, err := m.store.ClearAll(ctx)
	if result != nil {
		m.logger.Info("cache cleared",
			"entries", result.Entries,
			"bytes_freed", result.BytesFreed,
		)
	}
	return result, err
}
