// Package httpcache serves cached pages in front of a rendering handler and
// stores what the handler renders.
package httpcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/backend"
	"github.com/wolfeidau/page-cache/render"
	"github.com/wolfeidau/page-cache/telemetry"
)

const (
	// DefaultMaxBodySize is the largest render that is stored.
	DefaultMaxBodySize = 8 << 20

	// HeaderCache reports HIT, MISS or BYPASS.
	HeaderCache = "X-Cache"

	// HeaderRequestID carries the request id.
	HeaderRequestID = "X-Request-ID"
)

// Cache is the request-path integration of the page cache.
type Cache struct {
	network   *pagecache.Network
	addressor *address.Addressor
	backend   backend.Backend
	logger    *slog.Logger
	now       func() time.Time
	maxBody   int64
	userID    func(*http.Request) string
	format    func(*http.Request) string
	renders   *render.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the clock used to stamp stored entries.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMaxBodySize sets the largest render that is stored.
func WithMaxBodySize(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithUserFunc sets how the logged-in user of a request is found. It
// returns "" for anonymous requests.
func WithUserFunc(fn func(*http.Request) string) Option {
	return func(c *Cache) {
		c.userID = fn
	}
}

// WithFormatFunc sets how the feed or negotiated format of a request is found.
func WithFormatFunc(fn func(*http.Request) string) Option {
	return func(c *Cache) {
		c.format = fn
	}
}

// WithCoalescing renders concurrent misses of one key once and hands the
// stored render to every waiting request. Coalesced renders are buffered in
// full, so streaming handlers should not enable it.
func WithCoalescing(g *render.Group) Option {
	return func(c *Cache) {
		c.renders = g
	}
}

// New creates the request-path cache.
func New(network *pagecache.Network, addressor *address.Addressor, b backend.Backend, opts ...Option) *Cache {
	c := &Cache{
		network:   network,
		addressor: addressor,
		backend:   b,
		logger:    slog.Default(),
		now:       time.Now,
		maxBody:   DefaultMaxBodySize,
		userID:    func(*http.Request) string { return "" },
		format:    func(*http.Request) string { return "" },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "httpcache")
	return c
}

// Middleware serves cached renders of GET and HEAD requests and stores
// successful renders of next. Cache failures never fail the request.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		// Inject request tags so the cache path can set tenant and result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		c.serve(wrapped, r, next)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"cache_result", string(tags.CacheResult),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Tenant != "" {
			attrs = append(attrs, "tenant", tags.Tenant)
		}
		if tags.Key != "" {
			attrs = append(attrs, "key", tags.Key)
		}
		c.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

func (c *Cache) serve(w *responseWriter, r *http.Request, next http.Handler) {
	key, ok := c.address(r)
	if !ok {
		w.Header().Set(HeaderCache, "BYPASS")
		next.ServeHTTP(w, r)
		return
	}

	e, err := c.backend.Get(r.Context(), key)
	switch {
	case err == nil:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		c.writeHit(w, r, e)
		return
	case errors.Is(err, backend.ErrExpired):
		telemetry.SetCacheResult(r, telemetry.CacheExpired)
	case errors.Is(err, backend.ErrNotFound):
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheError)
		c.logger.Warn("cache lookup failed", "key", key.String(), "error", err)
		w.Header().Set(HeaderCache, "BYPASS")
		next.ServeHTTP(w, r)
		return
	}

	w.Header().Set(HeaderCache, "MISS")
	if c.renders != nil && r.Method == http.MethodGet {
		c.serveCoalesced(w, r, key, next)
		return
	}
	if r.Method == http.MethodGet {
		w.capture = &bytes.Buffer{}
		w.limit = c.maxBody
	}
	next.ServeHTTP(w, r)

	if w.capture == nil || w.overflow || !storable(w.status, w.Header(), w.capture.Len()) {
		return
	}
	c.store(context.WithoutCancel(r.Context()), key, w.capture.Bytes(), w.Header())
}

// serveCoalesced renders a miss through the render group. The first request
// renders into a buffer; requests arriving meanwhile wait for it and are
// served the same render if it was stored, or render on their own if not.
func (c *Cache) serveCoalesced(w *responseWriter, r *http.Request, key address.Key, next http.Handler) {
	leader := false
	res, _, err := c.renders.Do(r.Context(), key.String(), func(ctx context.Context) (*render.Result, error) {
		leader = true
		rec := render.NewRecorder()
		next.ServeHTTP(rec, r.WithContext(ctx))
		res := rec.Result()
		if int64(len(res.Body)) <= c.maxBody && storable(res.Status, res.Header, len(res.Body)) {
			res.Stored = c.store(ctx, key, res.Body, res.Header)
		}
		return res, nil
	})
	if err != nil {
		// The client went away while waiting.
		c.logger.Debug("coalesced render abandoned", "key", key.String(), "error", err)
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}

	switch {
	case leader:
		res.WriteTo(w, r)
	case res.Stored:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		w.Header().Set(HeaderCache, "HIT")
		res.WriteTo(w, r)
	default:
		// Renders that may not be shared are never handed to another visitor.
		next.ServeHTTP(w, r)
	}
}

func (c *Cache) store(ctx context.Context, key address.Key, body []byte, h http.Header) bool {
	entry := &backend.Entry{
		Payload:     body,
		ModTime:     c.now(),
		ContentType: h.Get("Content-Type"),
	}
	if err := c.backend.Put(ctx, key, entry); err != nil {
		c.logger.Warn("failed to store render", "key", key.String(), "error", err)
		return false
	}
	return true
}

// address resolves the tenant and key of r. It reports false for requests
// served without the cache.
func (c *Cache) address(r *http.Request) (address.Key, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return address.Key{}, false
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	tenant, rel, ok := c.network.Resolve(host, r.URL.EscapedPath())
	if !ok {
		return address.Key{}, false
	}
	telemetry.SetTenant(r, tenant.ID)

	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	key, err := c.addressor.AddressFor(tenant, address.Request{
		Scheme:    scheme,
		Host:      r.Host,
		Path:      rel,
		RawQuery:  r.URL.RawQuery,
		UserAgent: r.UserAgent(),
		UserID:    c.userID(r),
		Format:    c.format(r),
	})
	if err != nil {
		if !errors.Is(err, address.ErrNotCacheable) {
			c.logger.Warn("cannot address request", "tenant", tenant.ID, "path", r.URL.Path, "error", err)
		}
		return address.Key{}, false
	}
	telemetry.SetKey(r, key.String())
	return key, true
}

func (c *Cache) writeHit(w http.ResponseWriter, r *http.Request, e *backend.Entry) {
	h := w.Header()
	h.Set(HeaderCache, "HIT")
	if e.ContentType != "" {
		h.Set("Content-Type", e.ContentType)
	}
	if !e.ModTime.IsZero() {
		h.Set("Last-Modified", e.ModTime.UTC().Format(http.TimeFormat))
	}
	if !e.Digest.IsZero() {
		etag := e.Digest.ETag()
		h.Set("ETag", etag)
		if etagMatch(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Payload)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(e.Payload)
}

// storable reports whether a render may be shared with other visitors.
func storable(status int, h http.Header, size int) bool {
	if status != http.StatusOK || size == 0 {
		return false
	}
	if h.Get("Set-Cookie") != "" {
		return false
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
