// Package dirstats measures a tenant's cache subtree and keeps an hourly
// history of its size.
package dirstats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/backend"
	"github.com/wolfeidau/page-cache/pattern"
	"github.com/wolfeidau/page-cache/store/metadb"
	"github.com/wolfeidau/page-cache/telemetry"
)

const (
	// DefaultMaxAge is how long a stored snapshot is reused.
	DefaultMaxAge = 10 * time.Minute

	// DefaultFloor is the entry count below which a cache is always re-measured.
	DefaultFloor = 1000

	// DefaultRetentionDays is how long history buckets are kept.
	DefaultRetentionDays = 30

	// bucketsPerDay caps the history at retention days times this value.
	bucketsPerDay = 5

	hourSeconds = 3600
)

// Store persists snapshots and history. It is implemented by metadb.BoltDB.
type Store interface {
	Get(ctx context.Context, tenant string, rec metadb.Record) error
	Put(ctx context.Context, tenant string, rec metadb.Record) error
	Update(ctx context.Context, tenant string, rec metadb.Record, fn func(found bool) error) error
}

// Snapshot is the measurement of one tenant subtree. It is never modified
// after capture.
type Snapshot struct {
	TenantID   string                     `json:"tenant_id"`
	Count      int                        `json:"count"`
	TotalSize  int64                      `json:"total_size"`
	Expired    int                        `json:"expired"`
	Extensions map[string]backend.ExtStat `json:"extensions"`
	DiskTotal  uint64                     `json:"disk_total,omitempty"`
	DiskFree   uint64                     `json:"disk_free,omitempty"`
	CapturedAt time.Time                  `json:"captured_at"`
	Paths      []string                   `json:"paths,omitempty"`

	// Cached is set when the snapshot was served from the store.
	Cached bool `json:"cached"`
}

// Bucket is the largest observation of one hour.
type Bucket struct {
	Hour       time.Time `json:"hour"`
	Size       int64     `json:"size"`
	Count      int64     `json:"count"`
	CapturedAt time.Time `json:"captured_at"`
}

// Aggregate summarises the history over a window.
type Aggregate struct {
	LargestSize  int64    `json:"largest_size"`
	LargestCount int64    `json:"largest_count"`
	Buckets      []Bucket `json:"buckets"`
}

// Stats captures snapshots and maintains history.
type Stats struct {
	network       *pagecache.Network
	backend       backend.Backend
	store         Store
	compiler      *pattern.Compiler
	maxAge        time.Duration
	floor         int
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures Stats.
type Option func(*Stats)

// WithMaxAge sets how long a stored snapshot is reused.
func WithMaxAge(d time.Duration) Option {
	return func(s *Stats) {
		s.maxAge = d
	}
}

// WithFloor sets the entry count below which snapshots are never reused.
func WithFloor(n int) Option {
	return func(s *Stats) {
		s.floor = n
	}
}

// WithRetentionDays sets the history retention window.
func WithRetentionDays(days int) Option {
	return func(s *Stats) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithCompiler shares a pattern compiler.
func WithCompiler(c *pattern.Compiler) Option {
	return func(s *Stats) {
		s.compiler = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stats) {
		s.logger = logger
	}
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Stats) {
		s.now = now
	}
}

// New creates a Stats service.
func New(network *pagecache.Network, b backend.Backend, store Store, opts ...Option) *Stats {
	s := &Stats{
		network:       network,
		backend:       b,
		store:         store,
		maxAge:        DefaultMaxAge,
		floor:         DefaultFloor,
		retentionDays: DefaultRetentionDays,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compiler == nil {
		s.compiler = pattern.NewCompiler()
	}
	s.logger = s.logger.With("component", "dirstats")
	return s
}

// Snapshot measures the tenant's subtree. A stored snapshot is returned
// instead while it is younger than the max age and counts at least the floor
// of entries, unless paths are requested.
func (s *Stats) Snapshot(ctx context.Context, tenantID string, includePaths bool) (*Snapshot, error) {
	scope, err := s.network.ScopeByID(tenantID)
	if err != nil {
		return nil, err
	}

	if !includePaths {
		if snap, ok := s.stored(ctx, tenantID); ok {
			return snap, nil
		}
	}

	res, err := s.backend.Walk(ctx, s.compiler.All(scope), backend.WalkOptions{IncludePaths: includePaths})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", tenantID, err)
	}

	snap := &Snapshot{
		TenantID:   tenantID,
		Count:      res.Count,
		TotalSize:  res.Size,
		Expired:    res.Expired,
		Extensions: res.Extensions,
		CapturedAt: s.now().UTC(),
		Paths:      res.Paths,
	}
	if dr, ok := s.backend.(backend.DiskUsageReporter); ok {
		total, free, err := dr.DiskUsage(ctx)
		switch {
		case err == nil:
			snap.DiskTotal, snap.DiskFree = total, free
		case !errors.Is(err, errors.ErrUnsupported):
			s.logger.Warn("failed to read disk usage", "error", err)
		}
	}

	if err := s.store.Put(ctx, tenantID, toRecord(snap)); err != nil {
		s.logger.Warn("failed to store snapshot", "tenant", tenantID, "error", err)
	}
	if err := s.recordHistory(ctx, tenantID, snap); err != nil {
		s.logger.Warn("failed to record history", "tenant", tenantID, "error", err)
	}
	telemetry.RecordSnapshot(ctx, tenantID, int64(snap.Count), snap.TotalSize)

	s.logger.Debug("captured snapshot",
		"tenant", tenantID,
		"count", snap.Count,
		"size", snap.TotalSize,
	)
	return snap, nil
}

func (s *Stats) stored(ctx context.Context, tenantID string) (*Snapshot, bool) {
	var rec metadb.StatsRecord
	if err := s.store.Get(ctx, tenantID, &rec); err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			s.logger.Debug("stored snapshot unusable", "tenant", tenantID, "error", err)
		}
		return nil, false
	}
	if s.now().Sub(rec.CapturedAt) >= s.maxAge || rec.Count < int64(s.floor) {
		return nil, false
	}
	snap := fromRecord(tenantID, &rec)
	snap.Cached = true
	return snap, true
}

// recordHistory keeps the largest observation per hour, prunes buckets past
// retention and caps the number kept.
func (s *Stats) recordHistory(ctx context.Context, tenantID string, snap *Snapshot) error {
	hour := snap.CapturedAt.Unix()
	hour -= hour % hourSeconds
	cutoff := s.retentionCutoff()

	var h metadb.HistoryRecord
	return s.store.Update(ctx, tenantID, &h, func(bool) error {
		replaced := false
		kept := h.Buckets[:0]
		for _, b := range h.Buckets {
			if b.Hour < cutoff {
				continue
			}
			if b.Hour == hour {
				replaced = true
				if snap.TotalSize > b.Size {
					b = bucketFor(hour, snap)
				}
			}
			kept = append(kept, b)
		}
		if !replaced && hour >= cutoff {
			kept = append(kept, bucketFor(hour, snap))
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].Hour < kept[j].Hour })
		if limit := s.retentionDays * bucketsPerDay; len(kept) > limit {
			kept = kept[len(kept)-limit:]
		}
		h.Buckets = kept
		return nil
	})
}

func (s *Stats) retentionCutoff() int64 {
	return s.now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour).Unix()
}

func bucketFor(hour int64, snap *Snapshot) metadb.BucketRecord {
	return metadb.BucketRecord{
		Hour:       hour,
		Size:       snap.TotalSize,
		Count:      int64(snap.Count),
		CapturedAt: snap.CapturedAt,
	}
}

// History aggregates the tenant's buckets of the last days. A window of zero
// or less covers the whole retained history.
func (s *Stats) History(ctx context.Context, tenantID string, days int) (*Aggregate, error) {
	if _, err := s.network.Tenant(tenantID); err != nil {
		return nil, err
	}

	agg := &Aggregate{Buckets: []Bucket{}}
	var h metadb.HistoryRecord
	if err := s.store.Get(ctx, tenantID, &h); err != nil {
		if errors.Is(err, metadb.ErrNotFound) || errors.Is(err, metadb.ErrMalformed) {
			return agg, nil
		}
		return nil, fmt.Errorf("loading history: %w", err)
	}

	// Buckets past retention are never reported, even when no capture has
	// pruned them yet.
	cutoff := s.retentionCutoff()
	if days > 0 {
		window := s.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
		window -= window % hourSeconds
		cutoff = max(cutoff, window)
	}
	buckets := h.Buckets
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Hour < buckets[j].Hour })
	if limit := s.retentionDays * bucketsPerDay; len(buckets) > limit {
		buckets = buckets[len(buckets)-limit:]
	}
	for _, b := range buckets {
		if b.Hour < cutoff {
			continue
		}
		agg.LargestSize = max(agg.LargestSize, b.Size)
		agg.LargestCount = max(agg.LargestCount, b.Count)
		agg.Buckets = append(agg.Buckets, Bucket{
			Hour:       time.Unix(b.Hour, 0).UTC(),
			Size:       b.Size,
			Count:      b.Count,
			CapturedAt: b.CapturedAt,
		})
	}
	return agg, nil
}

func toRecord(snap *Snapshot) *metadb.StatsRecord {
	rec := &metadb.StatsRecord{
		Count:      int64(snap.Count),
		TotalSize:  snap.TotalSize,
		Expired:    int64(snap.Expired),
		DiskTotal:  snap.DiskTotal,
		DiskFree:   snap.DiskFree,
		CapturedAt: snap.CapturedAt,
	}
	for ext, st := range snap.Extensions {
		rec.Extensions = append(rec.Extensions, metadb.ExtensionStat{Ext: ext, Count: int64(st.Count), Size: st.Size})
	}
	sort.Slice(rec.Extensions, func(i, j int) bool { return rec.Extensions[i].Ext < rec.Extensions[j].Ext })
	return rec
}

func fromRecord(tenantID string, rec *metadb.StatsRecord) *Snapshot {
	snap := &Snapshot{
		TenantID:   tenantID,
		Count:      int(rec.Count),
		TotalSize:  rec.TotalSize,
		Expired:    int(rec.Expired),
		Extensions: make(map[string]backend.ExtStat, len(rec.Extensions)),
		DiskTotal:  rec.DiskTotal,
		DiskFree:   rec.DiskFree,
		CapturedAt: rec.CapturedAt,
	}
	for _, e := range rec.Extensions {
		snap.Extensions[e.Ext] = backend.ExtStat{Count: int(e.Count), Size: e.Size}
	}
	return snap
}
