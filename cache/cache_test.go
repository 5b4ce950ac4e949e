package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/config"
	"github.com/wolfeidau/page-cache/httpcache"
	"github.com/wolfeidau/page-cache/invalidate"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Tenants: []pagecache.Tenant{
			{ID: "main", Host: "example.com", BasePath: "/"},
			{ID: "site2", Host: "example.com", BasePath: "/site2/"},
		},
	}
	cfg.Backend.Dir = filepath.Join(t.TempDir(), "cache")
	cfg.Expiry = config.ExpiryConfig{Enabled: true, RefreshStats: true}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, clock *testClock) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

type page string

func (p page) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(p))
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServiceRequestAndInvalidate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig(t), newClock())
	h := svc.Middleware(page("<html>post</html>"))

	for _, target := range []string{
		"http://example.com/",
		"http://example.com/blog/post-1/",
		"http://example.com/category/news/",
		"http://example.com/site2/",
	} {
		rec := get(h, target)
		require.Equal(t, "MISS", rec.Header().Get(httpcache.HeaderCache), target)
	}
	require.Equal(t, "HIT", get(h, "http://example.com/blog/post-1/").Header().Get(httpcache.HeaderCache))

	// A resource event clears the resource and the home page, but not the
	// nested tenant.
	n, err := svc.Handle(ctx, invalidate.NewCycle(), invalidate.Event{
		Kind:     invalidate.EventResource,
		TenantID: "main",
		Paths:    []string{"http://example.com/blog/post-1/"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "MISS", get(h, "http://example.com/blog/post-1/").Header().Get(httpcache.HeaderCache))
	assert.Equal(t, "HIT", get(h, "http://example.com/category/news/").Header().Get(httpcache.HeaderCache))
	assert.Equal(t, "HIT", get(h, "http://example.com/site2/").Header().Get(httpcache.HeaderCache))

	n, err = svc.ClearMatching(ctx, "main", []string{"/category/*"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Clear(ctx, "site2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Only the post rendered again after the event is left.
	n, err = svc.Wipe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServiceSnapshotAndHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testConfig(t), newClock())
	h := svc.Middleware(page("<html>post</html>"))
	get(h, "http://example.com/")
	get(h, "http://example.com/about/")

	snap, err := svc.Snapshot(ctx, "main", true)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Count)
	assert.Len(t, snap.Paths, 2)

	agg, err := svc.History(ctx, "main", 1)
	require.NoError(t, err)
	require.Len(t, agg.Buckets, 1)
	assert.Equal(t, int64(2), agg.LargestCount)

	_, err = svc.Snapshot(ctx, "missing", false)
	require.ErrorIs(t, err, pagecache.ErrUnknownTenant)
}

func TestServicePurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc := newTestService(t, testConfig(t), clock)
	h := svc.Middleware(page("x"))
	get(h, "http://example.com/")
	get(h, "http://example.com/site2/")

	clock.Advance(2 * time.Hour)

	n, err := svc.PurgeExpired(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	result := svc.RunMaintenance(ctx)
	assert.Equal(t, 1, result.Purged)
	assert.Equal(t, 2, result.Snapshots)
	assert.Zero(t, result.Errors)
}

func TestServiceAddress(t *testing.T) {
	svc := newTestService(t, testConfig(t), newClock())

	l, err := svc.Address("http://Example.com/site2/blog/index.html", "")
	require.NoError(t, err)
	assert.Equal(t, "site2", l.Tenant.ID)
	assert.Equal(t, address.Key{Host: "example.com", Path: "/site2/blog/"}, l.Key)
	assert.Equal(t, "example.com/site2/blog/index.html", l.RelPath)

	_, err = svc.Address("http://example.com/?s=term", "")
	require.ErrorIs(t, err, address.ErrNotCacheable)

	_, err = svc.Address("http://other.org/", "")
	require.ErrorIs(t, err, pagecache.ErrUnknownTenant)
}

func TestServiceDropIn(t *testing.T) {
	svc := newTestService(t, testConfig(t), newClock())

	require.False(t, svc.DropInActive())
	require.NoError(t, svc.SetDropIn(true))
	require.True(t, svc.DropInActive())
	require.NoError(t, svc.SetDropIn(false))
	require.False(t, svc.DropInActive())
}

func TestServiceKV(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Backend.Type = config.BackendKV
	cfg.Backend.Servers = []string{mr.Addr()}
	svc := newTestService(t, cfg, newClock())
	require.True(t, svc.Backend().Enabled())

	h := svc.Middleware(page("<html>kv</html>"))
	require.Equal(t, "MISS", get(h, "http://example.com/").Header().Get(httpcache.HeaderCache))
	require.Equal(t, "HIT", get(h, "http://example.com/").Header().Get(httpcache.HeaderCache))
	get(h, "http://example.com/site2/")

	n, err := svc.Wipe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "MISS", get(h, "http://example.com/").Header().Get(httpcache.HeaderCache))

	require.ErrorIs(t, svc.SetDropIn(true), ErrNoDropIn)
}

func TestServiceStartDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Expiry.Enabled = false
	svc := newTestService(t, cfg, newClock())
	require.NoError(t, svc.Start(context.Background()))
}

func TestServiceSharedCacheDirectory(t *testing.T) {
	cfg := testConfig(t)
	clock := newClock()
	ctx := context.Background()

	// A serving process and an operator command open the same cache.
	serving := newTestService(t, cfg, clock)
	operator := newTestService(t, cfg, clock)

	h := serving.Middleware(page("<html>home</html>"))
	require.Equal(t, "MISS", get(h, "http://example.com/").Header().Get(httpcache.HeaderCache))

	snap, err := serving.Snapshot(ctx, "main", false)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count)

	agg, err := operator.History(ctx, "main", 1)
	require.NoError(t, err)
	assert.Len(t, agg.Buckets, 1)

	n, err := operator.Clear(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "MISS", get(h, "http://example.com/").Header().Get(httpcache.HeaderCache))

	res := operator.RunMaintenance(ctx)
	assert.Zero(t, res.Errors)
}
