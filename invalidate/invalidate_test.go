package invalidate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/backend"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	name string
	open func(t *testing.T, clock *testClock) (backend.Backend, func(time.Duration))
}

var fixtures = []fixture{
	{
		name: "filesystem",
		open: func(t *testing.T, clock *testClock) (backend.Backend, func(time.Duration)) {
			fs, err := backend.NewFilesystem(filepath.Join(t.TempDir(), "cache"), backend.WithFilesystemNow(clock.Now))
			require.NoError(t, err)
			return fs, clock.Advance
		},
	},
	{
		name: "kv",
		open: func(t *testing.T, clock *testClock) (backend.Backend, func(time.Duration)) {
			mr := miniredis.RunT(t)
			servers, err := backend.ParseServers(mr.Addr())
			require.NoError(t, err)
			kv := backend.NewKV(context.Background(), servers, backend.WithKVNow(clock.Now))
			t.Cleanup(func() { _ = kv.Close() })
			require.True(t, kv.Enabled())
			return kv, func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			}
		},
	},
}

var (
	mainKeys = []address.Key{
		{Host: "example.com", Path: "/"},
		{Host: "example.com", Path: "/page/2/"},
		{Host: "example.com", Path: "/blog/post-1/"},
		{Host: "example.com", Path: "/blog/post-1/", User: "42"},
		{Host: "example.com", Path: "/category/news/"},
		{Host: "example.com", Path: "/category/news/page/2/"},
		{Host: "example.com", Path: "/author/jane/"},
		{Host: "example.com", Path: "/feed/", Format: "rss2"},
		{Host: "example.com", Path: "/about/"},
	}
	site2Keys = []address.Key{
		{Host: "example.com", Path: "/site2/"},
		{Host: "example.com", Path: "/site2/category/news/"},
	}
	otherKeys = []address.Key{
		{Host: "other.org", Path: "/"},
	}
)

func testNetwork(t *testing.T) *pagecache.Network {
	t.Helper()
	n, err := pagecache.NewNetwork(
		pagecache.Tenant{ID: "main", Host: "example.com", BasePath: "/"},
		pagecache.Tenant{ID: "site2", Host: "example.com", BasePath: "/site2/"},
		pagecache.Tenant{ID: "other", Host: "other.org", BasePath: "/"},
	)
	require.NoError(t, err)
	return n
}

func seed(t *testing.T, b backend.Backend) {
	t.Helper()
	ctx := context.Background()
	for _, keys := range [][]address.Key{mainKeys, site2Keys, otherKeys} {
		for _, k := range keys {
			require.NoError(t, b.Put(ctx, k, &backend.Entry{Payload: []byte("<html>" + k.String() + "</html>")}))
		}
	}
}

func exists(t *testing.T, b backend.Backend, k address.Key) bool {
	t.Helper()
	_, err := b.Get(context.Background(), k)
	if err != nil {
		require.ErrorIs(t, err, backend.ErrNotFound)
		return false
	}
	return true
}

func forEachBackend(t *testing.T, fn func(t *testing.T, e *Engine, b backend.Backend, advance func(time.Duration))) {
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			clock := &testClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
			b, advance := f.open(t, clock)
			seed(t, b)
			fn(t, NewEngine(testNetwork(t), b, WithBatchSize(2)), b, advance)
		})
	}
}

func TestClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.Clear(context.Background(), "main")
		require.NoError(t, err)
		assert.Equal(t, len(mainKeys), n)

		for _, k := range mainKeys {
			assert.False(t, exists(t, b, k), k.String())
		}
		for _, k := range append(site2Keys, otherKeys...) {
			assert.True(t, exists(t, b, k), k.String())
		}
	})
}

func TestClearUnknownTenant(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, _ backend.Backend, _ func(time.Duration)) {
		_, err := e.Clear(context.Background(), "nope")
		require.ErrorIs(t, err, pagecache.ErrUnknownTenant)
	})
}

func TestWipe(t *testing.T) {
	total := len(mainKeys) + len(site2Keys) + len(otherKeys)
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.Wipe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, total, n)
		assert.False(t, exists(t, b, otherKeys[0]))
	})
}

func TestWipeAll(t *testing.T) {
	total := len(mainKeys) + len(site2Keys) + len(otherKeys)
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.WipeAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, total, n)
		assert.False(t, exists(t, b, site2Keys[1]))
	})
}

func TestPurgeExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, advance func(time.Duration)) {
		ctx := context.Background()
		n, err := e.PurgeExpired(ctx, "main")
		require.NoError(t, err)
		assert.Zero(t, n)

		advance(2 * time.Hour)
		n, err = e.PurgeExpired(ctx, "main")
		require.NoError(t, err)
		assert.Equal(t, len(mainKeys), n)
	})
}

func TestClearMatching(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.ClearMatching(context.Background(), "main", []string{
			"https://example.com/blog/post-1/",
			"https://other.org/", // other tenant
			"re:(",               // invalid
			"*/category/news/*",
			"/site2/category/news/", // nested tenant
		})
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		assert.False(t, exists(t, b, mainKeys[3]))
		assert.False(t, exists(t, b, mainKeys[5]))
		assert.True(t, exists(t, b, mainKeys[0]))
		assert.True(t, exists(t, b, site2Keys[1]))
		assert.True(t, exists(t, b, otherKeys[0]))
	})
}

func TestHandleResource(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		ctx := context.Background()
		cycle := NewCycle()
		ev := Event{Kind: EventResource, TenantID: "main", Subject: "101", Paths: []string{"/blog/post-1/"}}

		n, err := e.Handle(ctx, cycle, ev)
		require.NoError(t, err)
		// post-1 and its variant, the front page, page 2 and the feed.
		assert.Equal(t, 5, n)
		assert.True(t, exists(t, b, address.Key{Host: "example.com", Path: "/about/"}))

		// Same pair in the same cycle is skipped.
		require.NoError(t, b.Put(ctx, mainKeys[0], &backend.Entry{Payload: []byte("again")}))
		n, err = e.Handle(ctx, cycle, ev)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.True(t, exists(t, b, mainKeys[0]))

		n, err = e.Handle(ctx, NewCycle(), ev)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestHandleTerm(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.Handle(context.Background(), nil, Event{Kind: EventTerm, TenantID: "main", Subject: "news"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.True(t, exists(t, b, site2Keys[1]))
	})
}

func TestHandleFeed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.Handle(context.Background(), nil, Event{Kind: EventFeed, TenantID: "main", Subject: "rss2"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.False(t, exists(t, b, mainKeys[7]))
	})
}

func TestHandleAuthorWithoutSubject(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.Handle(context.Background(), nil, Event{Kind: EventAuthor, TenantID: "main"})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.True(t, exists(t, b, mainKeys[6]))

		n, err = e.Handle(context.Background(), nil, Event{Kind: EventAuthor, TenantID: "main", Subject: "jane"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestHandleURLs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *Engine, b backend.Backend, _ func(time.Duration)) {
		n, err := e.Handle(context.Background(), nil, Event{
			Kind:     EventURLs,
			TenantID: "main",
			Paths:    []string{"https://example.com/about/", "/page/*"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestHandleUnknownKind(t *testing.T) {
	e := NewEngine(testNetwork(t), nil)
	_, err := e.Handle(context.Background(), nil, Event{Kind: "comment", TenantID: "main"})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestExpand(t *testing.T) {
	got, ok := expand("/tag/{subject}/*", "go")
	assert.True(t, ok)
	assert.Equal(t, "/tag/go/*", got)

	got, ok = expand("re:.*f-{subject}$", "atom+xml")
	assert.True(t, ok)
	assert.Equal(t, `re:.*f-atom\+xml$`, got)

	_, ok = expand("/author/{subject}/", "")
	assert.False(t, ok)

	got, ok = expand("/feed/*", "")
	assert.True(t, ok)
	assert.Equal(t, "/feed/*", got)
}

func TestCycle(t *testing.T) {
	c := NewCycle()
	ev := Event{Kind: EventTerm, TenantID: "main", Subject: "news"}
	assert.True(t, c.first(ev))
	assert.False(t, c.first(ev))
	assert.True(t, c.first(Event{Kind: EventTerm, TenantID: "site2", Subject: "news"}))

	var nilCycle *Cycle
	assert.True(t, nilCycle.first(ev))
	assert.True(t, nilCycle.first(ev))
}
