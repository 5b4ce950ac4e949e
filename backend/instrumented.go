package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b}
}

// Name implements Backend.
func (ib *InstrumentedBackend) Name() string { return ib.backend.Name() }

// Enabled implements Backend.
func (ib *InstrumentedBackend) Enabled() bool { return ib.backend.Enabled() }

func (ib *InstrumentedBackend) Get(ctx context.Context, key address.Key) (*Entry, error) {
	start := time.Now()
	e, err := ib.backend.Get(ctx, key)
	var size int64
	if e != nil {
		size = int64(len(e.Payload))
	}
	telemetry.RecordBackendOp(ctx, ib.Name(), "get", outcomeFromError(err), time.Since(start), size)
	telemetry.RecordLookup(ctx, ib.Name(), lookupResult(err))
	return e, err
}

func (ib *InstrumentedBackend) Put(ctx context.Context, key address.Key, e *Entry) error {
	start := time.Now()
	err := ib.backend.Put(ctx, key, e)
	telemetry.RecordBackendOp(ctx, ib.Name(), "put", outcomeFromError(err), time.Since(start), int64(len(e.Payload)))
	return err
}

func (ib *InstrumentedBackend) DeleteMatching(ctx context.Context, m Matcher) (int, error) {
	start := time.Now()
	n, err := ib.backend.DeleteMatching(ctx, m)
	telemetry.RecordBackendOp(ctx, ib.Name(), "delete_matching", outcomeFromError(err), time.Since(start), 0)
	return n, err
}

func (ib *InstrumentedBackend) PurgeExpired(ctx context.Context, m Matcher) (int, error) {
	start := time.Now()
	n, err := ib.backend.PurgeExpired(ctx, m)
	telemetry.RecordBackendOp(ctx, ib.Name(), "purge_expired", outcomeFromError(err), time.Since(start), 0)
	return n, err
}

func (ib *InstrumentedBackend) Walk(ctx context.Context, m Matcher, opts WalkOptions) (*WalkResult, error) {
	start := time.Now()
	res, err := ib.backend.Walk(ctx, m, opts)
	var size int64
	if res != nil {
		size = res.Size
	}
	telemetry.RecordBackendOp(ctx, ib.Name(), "walk", outcomeFromError(err), time.Since(start), size)
	return res, err
}

// DiskUsage delegates to the underlying backend if it implements DiskUsageReporter.
func (ib *InstrumentedBackend) DiskUsage(ctx context.Context) (total, free uint64, err error) {
	dr, ok := ib.backend.(DiskUsageReporter)
	if !ok {
		return 0, 0, errors.ErrUnsupported
	}
	return dr.DiskUsage(ctx)
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCASConflict):
		return "conflict"
	case errors.Is(err, ErrKeyTooLong):
		return "key_too_long"
	default:
		return "error"
	}
}

func lookupResult(err error) telemetry.CacheResult {
	switch {
	case err == nil:
		return telemetry.CacheHit
	case errors.Is(err, ErrExpired):
		return telemetry.CacheExpired
	case errors.Is(err, ErrNotFound):
		return telemetry.CacheMiss
	default:
		return telemetry.CacheError
	}
}

// Compile-time interface checks
var (
	_ Backend           = (*InstrumentedBackend)(nil)
	_ DiskUsageReporter = (*InstrumentedBackend)(nil)
)
