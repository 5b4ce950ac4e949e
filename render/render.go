// Package render deduplicates concurrent renders of the same uncached page.
// When several requests miss on one key at once, only one of them runs the
// page handler and the others wait for its output.
package render

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/sync/singleflight"

	pagecache "github.com/wolfeidau/page-cache"
)

// Result is one finished render. It is shared between waiters and must not
// be modified.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Digest pagecache.Hash

	// Stored is set when the render was written to the cache. Only stored
	// renders may be served to other visitors.
	Stored bool
}

// Func renders a page. The context passed to Func is detached from any
// single request so that one caller going away does not cancel the render
// for other waiters.
type Func func(ctx context.Context) (*Result, error)

// Group deduplicates concurrent renders by cache key. It uses DoChan so each
// caller can respect its own context deadline.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "render")
	return g
}

// Do runs fn once for all concurrent callers with the same key. It returns
// the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the render completes, Do returns the
// context error but the render continues for other waiters.
func (g *Group) Do(ctx context.Context, key string, fn Func) (*Result, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			g.logger.Debug("render shared", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops the in-flight render of key so the next caller starts a
// new one.
func (g *Group) Forget(key string) {
	g.group.Forget(key)
}

// WriteTo writes the result to w. Headers already set on w are kept unless
// the result overrides them. For HEAD requests the body is skipped.
func (res *Result) WriteTo(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	for k, v := range res.Header {
		h[k] = append([]string(nil), v...)
	}
	if !res.Digest.IsZero() && h.Get("ETag") == "" {
		h.Set("ETag", res.Digest.ETag())
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(res.Body)
}
