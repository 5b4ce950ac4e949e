package httpcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/backend"
	"github.com/wolfeidau/page-cache/render"
)

func testNetwork(t *testing.T) *pagecache.Network {
	t.Helper()
	n, err := pagecache.NewNetwork(
		pagecache.Tenant{ID: "main", Host: "example.com", BasePath: "/"},
		pagecache.Tenant{ID: "site2", Host: "example.com", BasePath: "/site2/"},
	)
	require.NoError(t, err)
	return n
}

// renderer counts renders and writes a fixed page.
type renderer struct {
	calls   atomic.Int32
	status  int
	headers map[string]string
	body    string
	delay   time.Duration
}

func (h *renderer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	time.Sleep(h.delay)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	for k, v := range h.headers {
		w.Header().Set(k, v)
	}
	status := h.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(h.body))
}

func newTestHandler(t *testing.T, next http.Handler, b backend.Backend, opts ...Option) (http.Handler, backend.Backend) {
	t.Helper()
	if b == nil {
		fs, err := backend.NewFilesystem(filepath.Join(t.TempDir(), "cache"))
		require.NoError(t, err)
		b = fs
	}
	network := testNetwork(t)
	c := New(network, address.New(network, address.Options{}), b, opts...)
	return c.Middleware(next), b
}

func do(h http.Handler, method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_MissThenHit(t *testing.T) {
	next := &renderer{body: "<html>home</html>"}
	h, b := newTestHandler(t, next, nil)

	rec := do(h, http.MethodGet, "http://example.com/blog/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
	assert.Equal(t, "<html>home</html>", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	_, err := b.Get(context.Background(), address.Key{Host: "example.com", Path: "/blog/"})
	require.NoError(t, err)

	rec = do(h, http.MethodGet, "http://example.com/blog/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get(HeaderCache))
	assert.Equal(t, "<html>home</html>", rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, pagecache.HashString("<html>home</html>").ETag(), rec.Header().Get("ETag"))
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestMiddleware_NotModified(t *testing.T) {
	next := &renderer{body: "<html>home</html>"}
	h, _ := newTestHandler(t, next, nil)
	do(h, http.MethodGet, "http://example.com/")

	etag := pagecache.HashString("<html>home</html>").ETag()
	rec := do(h, http.MethodGet, "http://example.com/", "If-None-Match", `"other", `+etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMiddleware_HeadHit(t *testing.T) {
	next := &renderer{body: "<html>home</html>"}
	h, _ := newTestHandler(t, next, nil)

	// HEAD misses are rendered but not stored.
	do(h, http.MethodHead, "http://example.com/")
	rec := do(h, http.MethodHead, "http://example.com/")
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))

	do(h, http.MethodGet, "http://example.com/")
	rec = do(h, http.MethodHead, "http://example.com/")
	assert.Equal(t, "HIT", rec.Header().Get(HeaderCache))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "17", rec.Header().Get("Content-Length"))
}

func TestMiddleware_Bypass(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
	}{
		{name: "post", method: http.MethodPost, target: "http://example.com/"},
		{name: "query string", method: http.MethodGet, target: "http://example.com/?s=search"},
		{name: "unknown host", method: http.MethodGet, target: "http://unknown.org/"},
		{name: "traversal", method: http.MethodGet, target: "http://example.com/a/%2e%2e/b/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &renderer{body: "page"}
			h, _ := newTestHandler(t, next, nil)

			for range 2 {
				rec := do(h, tt.method, tt.target)
				assert.Equal(t, "BYPASS", rec.Header().Get(HeaderCache))
				assert.Equal(t, "page", rec.Body.String())
			}
			assert.Equal(t, int32(2), next.calls.Load())
		})
	}
}

func TestMiddleware_LoggedInUserBypasses(t *testing.T) {
	next := &renderer{body: "dashboard"}
	h, _ := newTestHandler(t, next, nil, WithUserFunc(func(r *http.Request) string {
		if c, err := r.Cookie("session"); err == nil {
			return c.Value
		}
		return ""
	}))

	rec := do(h, http.MethodGet, "http://example.com/", "Cookie", "session=42")
	assert.Equal(t, "BYPASS", rec.Header().Get(HeaderCache))

	rec = do(h, http.MethodGet, "http://example.com/")
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
}

func TestMiddleware_NotStored(t *testing.T) {
	tests := []struct {
		name string
		next *renderer
	}{
		{name: "not found", next: &renderer{status: http.StatusNotFound, body: "missing"}},
		{name: "empty body", next: &renderer{}},
		{name: "cookie", next: &renderer{body: "x", headers: map[string]string{"Set-Cookie": "a=b"}}},
		{name: "no-store", next: &renderer{body: "x", headers: map[string]string{"Cache-Control": "no-store"}}},
		{name: "private", next: &renderer{body: "x", headers: map[string]string{"Cache-Control": "private, max-age=0"}}},
		{name: "too large", next: &renderer{body: strings.Repeat("x", 2048)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, tt.next, nil, WithMaxBodySize(1024))

			do(h, http.MethodGet, "http://example.com/page/")
			rec := do(h, http.MethodGet, "http://example.com/page/")
			assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
			assert.Equal(t, int32(2), tt.next.calls.Load())
		})
	}
}

func TestMiddleware_NestedTenant(t *testing.T) {
	next := &renderer{body: "site2"}
	h, b := newTestHandler(t, next, nil)

	do(h, http.MethodGet, "http://example.com/site2/about/")
	_, err := b.Get(context.Background(), address.Key{Host: "example.com", Path: "/site2/about/"})
	require.NoError(t, err)
}

type failingBackend struct {
	backend.Backend
}

func (failingBackend) Get(context.Context, address.Key) (*backend.Entry, error) {
	return nil, errors.New("connection refused")
}

func TestMiddleware_BackendFailureServesPage(t *testing.T) {
	next := &renderer{body: "page"}
	h, _ := newTestHandler(t, next, failingBackend{})

	rec := do(h, http.MethodGet, "http://example.com/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page", rec.Body.String())
	assert.Equal(t, "BYPASS", rec.Header().Get(HeaderCache))
}

func TestMiddleware_RequestID(t *testing.T) {
	h, _ := newTestHandler(t, &renderer{body: "x"}, nil)

	rec := do(h, http.MethodGet, "http://example.com/", HeaderRequestID, "req-123")
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
}

func TestEtagMatch(t *testing.T) {
	assert.True(t, etagMatch(`"abc"`, `"abc"`))
	assert.True(t, etagMatch(`W/"abc"`, `"abc"`))
	assert.True(t, etagMatch(`*`, `"abc"`))
	assert.True(t, etagMatch(`"x", "abc"`, `"abc"`))
	assert.False(t, etagMatch(``, `"abc"`))
	assert.False(t, etagMatch(`"x"`, `"abc"`))
}

func concurrentGets(h http.Handler, n int, target string) []*httptest.ResponseRecorder {
	recs := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			recs[idx] = do(h, http.MethodGet, target)
		}(i)
	}
	wg.Wait()
	return recs
}

func TestMiddleware_CoalescedMisses(t *testing.T) {
	next := &renderer{body: "<html>home</html>", delay: 100 * time.Millisecond}
	h, _ := newTestHandler(t, next, nil, WithCoalescing(render.New()))

	recs := concurrentGets(h, 8, "http://example.com/")

	require.Equal(t, int32(1), next.calls.Load(), "page should render once")
	results := map[string]int{}
	for _, rec := range recs {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<html>home</html>", rec.Body.String())
		results[rec.Header().Get(HeaderCache)]++
	}
	assert.Equal(t, 1, results["MISS"])
	assert.Equal(t, 7, results["HIT"])
}

func TestMiddleware_CoalescedPrivateRender(t *testing.T) {
	next := &renderer{
		body:    "<html>cart</html>",
		headers: map[string]string{"Set-Cookie": "cart=1"},
		delay:   50 * time.Millisecond,
	}
	h, _ := newTestHandler(t, next, nil, WithCoalescing(render.New()))

	recs := concurrentGets(h, 5, "http://example.com/cart/")

	// Renders that set cookies are never shared.
	require.Equal(t, int32(5), next.calls.Load())
	for _, rec := range recs {
		assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
		assert.Equal(t, "cart=1", rec.Header().Get("Set-Cookie"))
	}
}
