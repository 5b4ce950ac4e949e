// Package expiry runs the periodic maintenance of the page cache: purging
// expired entries and refreshing each tenant's statistics.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/dirstats"
	"github.com/wolfeidau/page-cache/telemetry"
)

// Purger removes a tenant's expired entries. It is implemented by
// invalidate.Engine.
type Purger interface {
	PurgeExpired(ctx context.Context, tenantID string) (int, error)
}

// Snapshotter measures a tenant's subtree. It is implemented by dirstats.Stats.
type Snapshotter interface {
	Snapshot(ctx context.Context, tenantID string, includePaths bool) (*dirstats.Snapshot, error)
}

// Sweeper drops persisted records of tenants that no longer exist. It is
// implemented by metadb.BoltDB.
type Sweeper interface {
	Sweep(ctx context.Context, tenants []string) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	// CheckInterval is how often maintenance runs.
	// Default is 15 minutes.
	CheckInterval time.Duration

	// RefreshStats captures a snapshot of every tenant after purging.
	RefreshStats bool

	// Logger for maintenance events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 15 * time.Minute,
		RefreshStats:  true,
		Logger:        slog.Default(),
	}
}

// Manager runs maintenance for every tenant of a network on an interval.
type Manager struct {
	config  Config
	network *pagecache.Network
	purger  Purger
	stats   Snapshotter
	sweeper Sweeper
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a maintenance manager. stats and sweeper may be nil.
func NewManager(network *pagecache.Network, purger Purger, stats Snapshotter, sweeper Sweeper, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		network: network,
		purger:  purger,
		stats:   stats,
		sweeper: sweeper,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background maintenance.
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

// Stop stops background maintenance and waits for a running cycle to end.
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

	ticker := time.NewTicker(m.config.CheckInterval)
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

// Result contains the results of one maintenance cycle.
type Result struct {
	Purged    int
	Snapshots int
	Swept     int
	Errors    int
	Duration  time.Duration
}

// RunOnce performs a single maintenance cycle.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting maintenance")

	tenants := m.network.Tenants()
	for _, t := range tenants {
		if ctx.Err() != nil {
			result.Errors++
			break
		}
		tctx := telemetry.WithTenant(ctx, t.ID)

		n, err := m.purger.PurgeExpired(tctx, t.ID)
		result.Purged += n
		if err != nil {
			m.logger.Warn("failed to purge expired entries", "tenant", t.ID, "purged", n, "error", err)
			result.Errors++
		}

		if m.stats == nil || !m.config.RefreshStats {
			continue
		}
		if _, err := m.stats.Snapshot(tctx, t.ID, false); err != nil {
			m.logger.Warn("failed to refresh stats", "tenant", t.ID, "error", err)
			result.Errors++
			continue
		}
		result.Snapshots++
	}

	if m.sweeper != nil && ctx.Err() == nil {
		ids := make([]string, 0, len(tenants))
		for _, t := range tenants {
			ids = append(ids, t.ID)
		}
		n, err := m.sweeper.Sweep(ctx, ids)
		result.Swept = n
		if err != nil {
			m.logger.Warn("failed to sweep records", "error", err)
			result.Errors++
		}
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordSchedulerCycle(ctx, result.Purged, result.Duration)

	if result.Purged > 0 || result.Errors > 0 {
		m.logger.Info("maintenance complete",
			"purged", result.Purged,
			"snapshots", result.Snapshots,
			"swept", result.Swept,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("maintenance complete, nothing to purge")
	}

	return result
}
