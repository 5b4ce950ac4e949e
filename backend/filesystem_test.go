package backend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/lock"
	"github.com/wolfeidau/page-cache/pattern"
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

func newTestFilesystem(t *testing.T, opts ...FilesystemOption) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "cache"), opts...)
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	body, err := os.ReadFile(filepath.Join(root, HtaccessFile))
	require.NoError(t, err)
	assert.Equal(t, htaccessBody, string(body))

	// An existing access file is left alone.
	require.NoError(t, os.WriteFile(filepath.Join(root, HtaccessFile), []byte("custom\n"), 0o644))
	_, err = NewFilesystem(root)
	require.NoError(t, err)
	body, err = os.ReadFile(filepath.Join(root, HtaccessFile))
	require.NoError(t, err)
	assert.Equal(t, "custom\n", string(body))
}

func TestFilesystemPutGet(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fs := newTestFilesystem(t, WithFilesystemNow(clock.Now))

	key := address.Key{Host: "example.com", Path: "/blog/post-1/"}
	require.NoError(t, fs.Put(ctx, key, page("<html>post</html>")))

	_, err := os.Stat(filepath.Join(fs.Root(), "example.com", "blog", "post-1", "index.html"))
	require.NoError(t, err)

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "<html>post</html>", string(got.Payload))
	assert.Equal(t, "text/html; charset=utf-8", got.ContentType)
	assert.Equal(t, pagecache.HashString("<html>post</html>"), got.Digest)
	assert.True(t, got.ModTime.Equal(clock.Now()))
	assert.True(t, got.ExpiresAt.Equal(clock.Now().Add(DefaultMaxAge)))
}

func TestFilesystemGetMiss(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Get(context.Background(), address.Key{Host: "example.com", Path: "/missing/"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemVariantsStoredSeparately(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	plain := address.Key{Host: "example.com", Path: "/"}
	mobile := address.Key{Host: "example.com", Path: "/", Device: address.DeviceMobile, User: "42"}
	require.NoError(t, fs.Put(ctx, plain, page("plain")))
	require.NoError(t, fs.Put(ctx, mobile, page("mobile")))

	_, err := os.Stat(filepath.Join(fs.Root(), "example.com", "index~d-mobile~u-42.html"))
	require.NoError(t, err)

	got, err := fs.Get(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got.Payload))
	got, err = fs.Get(ctx, mobile)
	require.NoError(t, err)
	assert.Equal(t, "mobile", string(got.Payload))
}

func TestFilesystemOverwrite(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	key := address.Key{Host: "example.com", Path: "/feed.xml"}
	require.NoError(t, fs.Put(ctx, key, page("first")))
	require.NoError(t, fs.Put(ctx, key, page("second")))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got.Payload))
	assert.Equal(t, "text/xml; charset=utf-8", got.ContentType)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Join(fs.Root(), "example.com"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "feed.xml", entries[0].Name())
}

func TestFilesystemExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fs := newTestFilesystem(t, WithFilesystemNow(clock.Now), WithMaxAge(time.Hour))

	key := address.Key{Host: "example.com", Path: "/"}
	require.NoError(t, fs.Put(ctx, key, page("home")))

	clock.Advance(time.Hour)
	_, err := fs.Get(ctx, key)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = fs.Get(ctx, key)
	require.ErrorIs(t, err, ErrExpired)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExplicitExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fs := newTestFilesystem(t, WithFilesystemNow(clock.Now), WithMaxAge(time.Hour))

	key := address.Key{Host: "example.com", Path: "/short/"}
	e := page("short")
	e.ExpiresAt = clock.Now().Add(10 * time.Minute)
	require.NoError(t, fs.Put(ctx, key, e))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(e.ExpiresAt))

	clock.Advance(11 * time.Minute)
	_, err = fs.Get(ctx, key)
	require.ErrorIs(t, err, ErrExpired)
}

func TestFilesystemExplicitExpiryWithoutMaxAge(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fs := newTestFilesystem(t, WithFilesystemNow(clock.Now), WithMaxAge(0))
	compiler := pattern.NewCompiler()

	short := address.Key{Host: "example.com", Path: "/short/"}
	e := page("short")
	e.ExpiresAt = clock.Now().Add(10 * time.Minute)
	require.NoError(t, fs.Put(ctx, short, e))

	forever := address.Key{Host: "example.com", Path: "/forever/"}
	require.NoError(t, fs.Put(ctx, forever, page("forever")))

	got, err := fs.Get(ctx, short)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(e.ExpiresAt))

	clock.Advance(11 * time.Minute)
	_, err = fs.Get(ctx, short)
	require.ErrorIs(t, err, ErrExpired)

	res, err := fs.Walk(ctx, compiler.All(testScope(t)), WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 1, res.Expired)

	n, err := fs.PurgeExpired(ctx, compiler.All(testScope(t)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, metaPath(fs.keyToPath(short)))

	clock.Advance(365 * 24 * time.Hour)
	_, err = fs.Get(ctx, forever)
	require.NoError(t, err)
}

func TestFilesystemContentType(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)
	compiler := pattern.NewCompiler()

	feed := address.Key{Host: "example.com", Path: "/feed/", Format: "rss2"}
	rss := &Entry{Payload: []byte("<rss/>"), ContentType: "application/rss+xml; charset=UTF-8"}
	require.NoError(t, fs.Put(ctx, feed, rss))

	got, err := fs.Get(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, "application/rss+xml; charset=UTF-8", got.ContentType)
	assert.FileExists(t, metaPath(fs.keyToPath(feed)))

	// HTML pages need nothing beyond their extension.
	home := address.Key{Host: "example.com", Path: "/"}
	require.NoError(t, fs.Put(ctx, home, page("<html>home</html>")))
	assert.NoFileExists(t, metaPath(fs.keyToPath(home)))
	got, err = fs.Get(ctx, home)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", got.ContentType)

	// Replacing the feed with HTML drops the stale content type.
	require.NoError(t, fs.Put(ctx, feed, page("<html>moved</html>")))
	got, err = fs.Get(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", got.ContentType)
	assert.NoFileExists(t, metaPath(fs.keyToPath(feed)))

	// Metadata files are never counted as entries and go with their entry.
	require.NoError(t, fs.Put(ctx, feed, rss))
	res, err := fs.Walk(ctx, compiler.All(testScope(t)), WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	n, err := fs.DeleteMatching(ctx, compiler.Compile(testScope(t), []string{"/feed/"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, metaPath(fs.keyToPath(feed)))
}

func TestFilesystemDeleteMatching(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)
	compiler := pattern.NewCompiler()
	scope := testScope(t)

	keys := []address.Key{
		{Host: "example.com", Path: "/category/news/"},
		{Host: "example.com", Path: "/category/news/page-2/"},
		{Host: "example.com", Path: "/category/news/", Device: address.DeviceMobile},
		{Host: "example.com", Path: "/about/"},
		{Host: "other.org", Path: "/category/news/"},
	}
	for _, k := range keys {
		require.NoError(t, fs.Put(ctx, k, page(k.String())))
	}

	n, err := fs.DeleteMatching(ctx, compiler.Compile(scope, []string{"*/category/news/*"}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, k := range keys[:3] {
		_, err := fs.Get(ctx, k)
		require.ErrorIs(t, err, ErrNotFound, k.String())
	}
	for _, k := range keys[3:] {
		_, err := fs.Get(ctx, k)
		require.NoError(t, err, k.String())
	}

	// Emptied directories are pruned, the tenant directory stays.
	_, err = os.Stat(filepath.Join(fs.Root(), "example.com", "category"))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(fs.Root(), "example.com", "about"))
	require.NoError(t, err)
}

func TestFilesystemDeleteMatchingCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	key := address.Key{Host: "example.com", Path: "/Blog/Post-1/"}
	require.NoError(t, fs.Put(ctx, key, page("post")))

	n, err := fs.DeleteMatching(ctx, pattern.NewCompiler().Resource(testScope(t), "/blog/post-1/"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFilesystemDeleteMatchingKeepsControlFiles(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)
	require.NoError(t, fs.SetDropIn(true))

	require.NoError(t, fs.Put(ctx, address.Key{Host: "example.com", Path: "/"}, page("home")))
	stray := filepath.Join(fs.Root(), "example.com", ".tmp-123")
	require.NoError(t, os.WriteFile(stray, []byte("partial"), 0o644))

	n, err := fs.DeleteMatching(ctx, pattern.Everything(testNetwork(t)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.FileExists(t, filepath.Join(fs.Root(), HtaccessFile))
	assert.FileExists(t, filepath.Join(fs.Root(), DropInFile))
	assert.FileExists(t, stray)
	assert.True(t, fs.DropInActive())
}

func TestFilesystemRoundTripLaw(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)
	scope := testScope(t)
	m := pattern.NewCompiler().Compile(scope, []string{"/blog/*"})

	keys := []address.Key{
		{Host: "example.com", Path: "/blog/a/"},
		{Host: "example.com", Path: "/blog/", Query: "page=2"},
		{Host: "example.com", Path: "/shop/"},
	}
	for _, k := range keys {
		require.NoError(t, fs.Put(ctx, k, page(k.String())))
	}
	_, err := fs.DeleteMatching(ctx, m)
	require.NoError(t, err)

	for _, k := range keys {
		got, err := fs.Get(ctx, k)
		if m.MatchKey(k) {
			require.ErrorIs(t, err, ErrNotFound, k.String())
			continue
		}
		require.NoError(t, err, k.String())
		assert.Equal(t, k.String(), string(got.Payload))
	}
}

func TestFilesystemPurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fs := newTestFilesystem(t, WithFilesystemNow(clock.Now), WithMaxAge(time.Hour))
	m := pattern.NewCompiler().All(testScope(t))

	short := page("short")
	short.ExpiresAt = clock.Now().Add(time.Minute)
	require.NoError(t, fs.Put(ctx, address.Key{Host: "example.com", Path: "/short/"}, short))
	require.NoError(t, fs.Put(ctx, address.Key{Host: "example.com", Path: "/long/"}, page("long")))

	clock.Advance(30 * time.Minute)

	res, err := fs.Walk(ctx, m, WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 1, res.Expired)

	n, err := fs.PurgeExpired(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = fs.Get(ctx, address.Key{Host: "example.com", Path: "/long/"})
	require.NoError(t, err)
}

func TestFilesystemWalk(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	for _, k := range []address.Key{
		{Host: "example.com", Path: "/"},
		{Host: "example.com", Path: "/feed.xml", Format: "rss2"},
		{Host: "example.com", Path: "/blog/", User: "42"},
		{Host: "example.com", Path: "/site2/"},
		{Host: "other.org", Path: "/"},
	} {
		require.NoError(t, fs.Put(ctx, k, page(k.String())))
	}

	n := testNetwork(t)
	main, err := n.ScopeByID("main")
	require.NoError(t, err)

	res, err := fs.Walk(ctx, pattern.NewCompiler().All(main), WalkOptions{IncludePaths: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 2, res.Extensions[".html"].Count)
	assert.Equal(t, 1, res.Extensions[".xml"].Count)
	assert.Positive(t, res.Size)
	assert.Equal(t, []string{
		"example.com/blog/index~u-42.html",
		"example.com/feed~f-rss2.xml",
		"example.com/index.html",
	}, res.Paths)

	res, err = fs.Walk(ctx, pattern.Everything(n), WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Count)
	assert.Empty(t, res.Paths)
}

func TestFilesystemNestedTenantIsolation(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)
	n := testNetwork(t)

	parent := address.Key{Host: "example.com", Path: "/"}
	child := address.Key{Host: "example.com", Path: "/site2/about/"}
	require.NoError(t, fs.Put(ctx, parent, page("parent")))
	require.NoError(t, fs.Put(ctx, child, page("child")))

	main, err := n.ScopeByID("main")
	require.NoError(t, err)
	count, err := fs.DeleteMatching(ctx, pattern.NewCompiler().All(main))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = fs.Get(ctx, child)
	require.NoError(t, err)
}

func TestFilesystemDeleteMatchingLockTimeout(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewFileLocker(lock.WithTimeout(100*time.Millisecond), lock.WithRetryDelay(10*time.Millisecond))
	fs := newTestFilesystem(t, WithLocker(locker))
	scope := testScope(t)

	require.NoError(t, fs.Put(ctx, address.Key{Host: "example.com", Path: "/"}, page("home")))

	held, err := locker.Acquire(ctx, fs.lockTargets([]pagecache.Scope{scope})[0])
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	n, err := fs.DeleteMatching(ctx, pattern.NewCompiler().All(scope))
	require.ErrorIs(t, err, lock.ErrTimeout)
	assert.Zero(t, n)

	_, err = fs.Get(ctx, address.Key{Host: "example.com", Path: "/"})
	require.NoError(t, err)
}

func TestFilesystemConcurrentDeletesNeverDoubleCount(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)
	scope := testScope(t)

	const entries = 50
	for i := 0; i < entries; i++ {
		k := address.Key{Host: "example.com", Path: "/p/" + time.Duration(i).String() + "/"}
		require.NoError(t, fs.Put(ctx, k, page(k.String())))
	}

	m := pattern.NewCompiler().All(scope)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := fs.DeleteMatching(ctx, m)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, entries, total)
}

func TestFilesystemDropIn(t *testing.T) {
	fs := newTestFilesystem(t)

	assert.False(t, fs.DropInActive())
	require.NoError(t, fs.SetDropIn(true))
	assert.True(t, fs.DropInActive())
	require.NoError(t, fs.SetDropIn(false))
	assert.False(t, fs.DropInActive())
	require.NoError(t, fs.SetDropIn(false))
}

func TestFilesystemDiskUsage(t *testing.T) {
	fs := newTestFilesystem(t)

	total, free, err := fs.DiskUsage(context.Background())
	if err != nil {
		t.Skipf("disk usage unsupported: %v", err)
	}
	assert.Positive(t, total)
	assert.LessOrEqual(t, free, total)
}
