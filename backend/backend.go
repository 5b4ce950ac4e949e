// Package backend provides the storage backends of the page cache.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
)

var (
	// ErrNotFound is returned when a key has no stored entry. It is a cache
	// miss, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned for an entry that exists but is no longer fresh.
	// It matches ErrNotFound with errors.Is.
	ErrExpired = fmt.Errorf("%w: expired", ErrNotFound)

	// ErrDisabled is returned by operations that need a reachable backend.
	ErrDisabled = errors.New("backend disabled")

	// ErrKeyTooLong is returned when a storage key exceeds the backend limit.
	ErrKeyTooLong = errors.New("key too long")

	// ErrCASConflict is returned when a compare-and-swap write kept losing
	// to concurrent writers. The caller may retry later.
	ErrCASConflict = errors.New("compare-and-swap conflict")
)

// Entry is one stored render. Entries are replaced or deleted, never
// modified in place.
type Entry struct {
	Payload     []byte
	ModTime     time.Time
	ExpiresAt   time.Time // zero means the backend default lifetime applies
	ContentType string
	Digest      pagecache.Hash
}

// Matcher selects stored keys. It is implemented by pattern.Matcher.
type Matcher interface {
	// Match reports whether the canonical key string is selected.
	Match(key string) bool

	// Prefixes returns literal key prefixes (without scheme marker) that
	// contain every match, or nil when the whole store may match.
	Prefixes() []string

	// Scopes returns the tenant scopes the matcher is confined to.
	Scopes() []pagecache.Scope

	// Empty reports whether the matcher can never match.
	Empty() bool
}

// WalkOptions controls Walk.
type WalkOptions struct {
	// IncludePaths lists the relative path of every entry in the result.
	IncludePaths bool
}

// ExtStat aggregates entries sharing a file extension.
type ExtStat struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// WalkResult summarises the entries selected by a walk.
type WalkResult struct {
	Count      int                `json:"count"`
	Size       int64              `json:"size"` // allocated bytes where the backend can tell, payload bytes otherwise
	Expired    int                `json:"expired"`
	Extensions map[string]ExtStat `json:"extensions"`
	Paths      []string           `json:"paths,omitempty"`
}

func newWalkResult() *WalkResult {
	return &WalkResult{Extensions: make(map[string]ExtStat)}
}

func (r *WalkResult) add(ext string, size int64, expired bool, path string, includePath bool) {
	r.Count++
	r.Size += size
	if expired {
		r.Expired++
	}
	if ext == "" {
		ext = "none"
	}
	s := r.Extensions[ext]
	s.Count++
	s.Size += size
	r.Extensions[ext] = s
	if includePath {
		r.Paths = append(r.Paths, path)
	}
}

func (r *WalkResult) finish() {
	sort.Strings(r.Paths)
}

// Backend stores rendered pages by address.Key.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Enabled reports whether the backend can serve requests. A disabled
	// backend answers every Get with ErrNotFound and ignores writes.
	Enabled() bool

	// Get returns the fresh entry for key, or ErrNotFound.
	Get(ctx context.Context, key address.Key) (*Entry, error)

	// Put stores or replaces the entry for key.
	Put(ctx context.Context, key address.Key, e *Entry) error

	// DeleteMatching removes every entry selected by m and returns how many
	// were removed. On error the count is the progress made so far.
	DeleteMatching(ctx context.Context, m Matcher) (int, error)

	// PurgeExpired removes expired entries selected by m.
	PurgeExpired(ctx context.Context, m Matcher) (int, error)

	// Walk summarises the entries selected by m.
	Walk(ctx context.Context, m Matcher, opts WalkOptions) (*WalkResult, error)
}

// DiskUsageReporter is implemented by backends that live on a filesystem.
type DiskUsageReporter interface {
	DiskUsage(ctx context.Context) (total, free uint64, err error)
}
