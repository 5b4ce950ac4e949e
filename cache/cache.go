// Package cache assembles the page cache from its configuration and exposes
// the operations used by the host application and the CLI.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/backend"
	"github.com/wolfeidau/page-cache/config"
	"github.com/wolfeidau/page-cache/dirstats"
	"github.com/wolfeidau/page-cache/expiry"
	"github.com/wolfeidau/page-cache/httpcache"
	"github.com/wolfeidau/page-cache/invalidate"
	"github.com/wolfeidau/page-cache/lock"
	"github.com/wolfeidau/page-cache/pattern"
	"github.com/wolfeidau/page-cache/render"
	"github.com/wolfeidau/page-cache/store/metadb"
)

// ErrNoDropIn is returned by SetDropIn for backends without a drop-in marker.
var ErrNoDropIn = errors.New("backend has no drop-in marker")

// Service is a fully wired page cache.
type Service struct {
	cfg       *config.Config
	network   *pagecache.Network
	backend   backend.Backend
	fs        *backend.Filesystem
	kv        *backend.KV
	db        *metadb.BoltDB
	addressor *address.Addressor
	engine    *invalidate.Engine
	stats     *dirstats.Stats
	http      *httpcache.Cache
	expiry    *expiry.Manager
	logger    *slog.Logger
	now       func() time.Time
	httpOpts  []httpcache.Option
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow sets the clock passed to every component (for testing).
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithHTTPOptions adds options for the request-path middleware, such as how
// logged-in users are recognised.
func WithHTTPOptions(opts ...httpcache.Option) Option {
	return func(s *Service) {
		s.httpOpts = append(s.httpOpts, opts...)
	}
}

// New builds every component described by cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	network, err := cfg.Network()
	if err != nil {
		return nil, fmt.Errorf("building network: %w", err)
	}
	s.network = network

	var b backend.Backend
	switch cfg.Backend.Type {
	case config.BackendFilesystem:
		locker := lock.NewFileLocker(
			lock.WithTimeout(cfg.Backend.LockTimeout),
			lock.WithLogger(s.logger),
			lock.WithNow(s.now),
		)
		fs, err := backend.NewFilesystem(cfg.Backend.Dir,
			backend.WithMaxAge(cfg.Backend.MaxAge),
			backend.WithLocker(locker),
			backend.WithFilesystemLogger(s.logger),
			backend.WithFilesystemNow(s.now),
		)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		s.fs, b = fs, fs
	case config.BackendKV:
		servers, err := cfg.ServerList()
		if err != nil {
			return nil, err
		}
		kv := backend.NewKV(ctx, servers,
			backend.WithNamespace(cfg.Backend.Namespace),
			backend.WithKVMaxAge(cfg.Backend.MaxAge),
			backend.WithMaxKeyLength(cfg.Backend.MaxKeyLength),
			backend.WithCASAttempts(cfg.Backend.CASAttempts),
			backend.WithCASDelay(cfg.Backend.CASDelay),
			backend.WithKVLogger(s.logger),
			backend.WithKVNow(s.now),
		)
		s.kv, b = kv, kv
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
	s.backend = backend.NewInstrumentedBackend(b)

	if err := os.MkdirAll(filepath.Dir(cfg.Stats.DB), 0o755); err != nil {
		_ = s.closeBackend()
		return nil, fmt.Errorf("creating stats directory: %w", err)
	}
	// Every process sharing the cache directory shares the stats file.
	s.db = metadb.NewBoltDB(
		metadb.WithLogger(s.logger),
		metadb.WithNow(s.now),
		metadb.WithShared(true),
	)
	if err := s.db.Open(cfg.Stats.DB); err != nil {
		_ = s.closeBackend()
		return nil, fmt.Errorf("opening stats store: %w", err)
	}

	compiler := pattern.NewCompiler(pattern.WithIgnoredQueryParams(cfg.Address.IgnoredQueryParams))
	s.addressor = address.New(network, cfg.Address)
	s.engine = invalidate.NewEngine(network, s.backend,
		invalidate.WithRules(cfg.Rules()),
		invalidate.WithBatchSize(cfg.Invalidate.BatchSize),
		invalidate.WithWipeConcurrency(cfg.Invalidate.WipeConcurrency),
		invalidate.WithCompiler(compiler),
		invalidate.WithLogger(s.logger),
	)
	s.stats = dirstats.New(network, s.backend, s.db,
		dirstats.WithMaxAge(cfg.Stats.MaxAge),
		dirstats.WithFloor(cfg.Stats.Floor),
		dirstats.WithRetentionDays(cfg.Stats.RetentionDays),
		dirstats.WithCompiler(compiler),
		dirstats.WithLogger(s.logger),
		dirstats.WithNow(s.now),
	)

	httpOpts := append([]httpcache.Option{
		httpcache.WithLogger(s.logger),
		httpcache.WithNow(s.now),
		httpcache.WithMaxBodySize(cfg.HTTP.MaxBodySize),
	}, s.httpOpts...)
	if cfg.HTTP.Coalesce {
		httpOpts = append(httpOpts, httpcache.WithCoalescing(render.New(render.WithLogger(s.logger))))
	}
	s.http = httpcache.New(network, s.addressor, s.backend, httpOpts...)

	s.expiry = expiry.NewManager(network, s.engine, s.stats, s.db, expiry.Config{
		CheckInterval: cfg.Expiry.CheckInterval,
		RefreshStats:  cfg.Expiry.RefreshStats,
		Logger:        s.logger,
	})

	s.logger.Info("page cache ready",
		"backend", s.backend.Name(),
		"enabled", s.backend.Enabled(),
		"tenants", len(network.Tenants()),
	)
	return s, nil
}

// Network returns the tenant network.
func (s *Service) Network() *pagecache.Network {
	return s.network
}

// Backend returns the instrumented storage backend.
func (s *Service) Backend() backend.Backend {
	return s.backend
}

// Start begins background maintenance when it is enabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Expiry.Enabled {
		return nil
	}
	return s.expiry.Start(ctx)
}

// Close stops maintenance and releases the stats store and backend.
func (s *Service) Close() error {
	s.expiry.Stop()
	return errors.Join(s.db.Close(), s.closeBackend())
}

func (s *Service) closeBackend() error {
	if s.kv != nil {
		return s.kv.Close()
	}
	return nil
}

// Middleware wraps the rendering handler with the page cache.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return s.http.Middleware(next)
}

// Clear removes every entry of a tenant.
func (s *Service) Clear(ctx context.Context, tenantID string) (int, error) {
	return s.engine.Clear(ctx, tenantID)
}

// Wipe removes every entry of every tenant. The filesystem backend wipes
// the whole tree under all tenant locks; the key-value backend clears
// tenants concurrently.
func (s *Service) Wipe(ctx context.Context) (int, error) {
	if s.kv != nil {
		return s.engine.WipeAll(ctx)
	}
	return s.engine.Wipe(ctx)
}

// PurgeExpired removes a tenant's expired entries.
func (s *Service) PurgeExpired(ctx context.Context, tenantID string) (int, error) {
	return s.engine.PurgeExpired(ctx, tenantID)
}

// ClearMatching removes the entries of a tenant selected by patterns.
func (s *Service) ClearMatching(ctx context.Context, tenantID string, patterns []string) (int, error) {
	return s.engine.ClearMatching(ctx, tenantID, patterns)
}

// Handle clears what a content event invalidates.
func (s *Service) Handle(ctx context.Context, cycle *invalidate.Cycle, ev invalidate.Event) (int, error) {
	return s.engine.Handle(ctx, cycle, ev)
}

// Snapshot returns the statistics of a tenant's stored entries.
func (s *Service) Snapshot(ctx context.Context, tenantID string, includePaths bool) (*dirstats.Snapshot, error) {
	return s.stats.Snapshot(ctx, tenantID, includePaths)
}

// History returns the hourly size history of a tenant over the last days.
func (s *Service) History(ctx context.Context, tenantID string, days int) (*dirstats.Aggregate, error) {
	return s.stats.History(ctx, tenantID, days)
}

// RunMaintenance runs one purge and stats refresh cycle in the foreground.
func (s *Service) RunMaintenance(ctx context.Context) *expiry.Result {
	return s.expiry.RunOnce(ctx)
}

// Lookup describes where a URL is stored.
type Lookup struct {
	Tenant  pagecache.Tenant
	Key     address.Key
	RelPath string
}

// Address computes the key of a URL as an anonymous visitor with the given
// user agent would request it.
func (s *Service) Address(rawURL, userAgent string) (*Lookup, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	t, rel, ok := s.network.Resolve(u.Hostname(), u.EscapedPath())
	if !ok {
		return nil, fmt.Errorf("%w: %s", pagecache.ErrUnknownTenant, u.Host)
	}
	key, err := s.addressor.AddressFor(t, address.Request{
		Scheme:    u.Scheme,
		Host:      u.Host,
		Path:      rel,
		RawQuery:  u.RawQuery,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}
	return &Lookup{Tenant: t, Key: key, RelPath: key.RelPath()}, nil
}

// SetDropIn installs or removes the drop-in marker of the filesystem backend.
func (s *Service) SetDropIn(enabled bool) error {
	if s.fs == nil {
		return ErrNoDropIn
	}
	return s.fs.SetDropIn(enabled)
}

// DropInActive reports whether the drop-in marker is installed.
func (s *Service) DropInActive() bool {
	return s.fs != nil && s.fs.DropInActive()
}
