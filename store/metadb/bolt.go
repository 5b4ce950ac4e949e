// Package metadb persists per-tenant statistics records in a bbolt file.
package metadb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when no record is stored for a tenant and kind.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownKind is returned for kinds outside the allow-list.
	ErrUnknownKind = errors.New("unknown record kind")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("metadb closed")
)

var bucketSettings = []byte("settings")

const keySep = "\x00"

// DefaultLockTimeout bounds the wait for the bolt file lock.
const DefaultLockTimeout = time.Second

// BoltDB stores records in the settings bucket keyed by tenant and kind.
//
// A shared BoltDB holds the file only for the duration of each operation,
// so every process using the same cache directory can read and write the
// statistics. Otherwise the file stays open, and locked, until Close.
type BoltDB struct {
	db          *bbolt.DB
	path        string
	codec       *EnvelopeCodec
	logger      *slog.Logger
	now         func() time.Time
	noSync      bool
	shared      bool
	lockTimeout time.Duration
}

// Option configures a BoltDB.
type Option func(*BoltDB)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the clock used to stamp written records.
func WithNow(now func() time.Time) Option {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync after each commit. Only for tests.
func WithNoSync(noSync bool) Option {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// WithShared opens the file per operation instead of once in Open.
func WithShared(shared bool) Option {
	return func(b *BoltDB) {
		b.shared = shared
	}
}

// WithLockTimeout sets how long an open waits for another process to
// release the file.
func WithLockTimeout(d time.Duration) Option {
	return func(b *BoltDB) {
		if d > 0 {
			b.lockTimeout = d
		}
	}
}

// NewBoltDB creates a store. Call Open before use.
func NewBoltDB(opts ...Option) *BoltDB {
	b := &BoltDB{
		logger:      slog.Default(),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "metadb")
	return b
}

// Open opens or creates the database file at path. A shared store only
// remembers the path; the file is created by the first write.
func (b *BoltDB) Open(path string) error {
	codec, err := NewEnvelopeCodec()
	if err != nil {
		return err
	}
	if b.shared {
		b.path = path
		b.codec = codec
		return nil
	}

	db, err := b.openFile(path, false)
	if err != nil {
		codec.Close()
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		_ = db.Close()
		codec.Close()
		return fmt.Errorf("creating buckets: %w", err)
	}

	b.db = db
	b.path = path
	b.codec = codec
	return nil
}

// Close closes the database.
func (b *BoltDB) Close() error {
	if b.codec == nil {
		return nil
	}
	var err error
	if b.db != nil {
		err = b.db.Close()
		b.db = nil
	}
	b.codec.Close()
	b.codec = nil
	return err
}

// Path returns the database file path.
func (b *BoltDB) Path() string {
	if b.codec == nil {
		return ""
	}
	return b.path
}

func (b *BoltDB) openFile(path string, readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:  b.lockTimeout,
		NoSync:   b.noSync,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return db, nil
}

// view runs fn in a read transaction. bucket is nil when nothing has been
// written yet.
func (b *BoltDB) view(fn func(bucket *bbolt.Bucket) error) error {
	db := b.db
	if b.shared {
		if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
			return fn(nil)
		}
		var err error
		if db, err = b.openFile(b.path, true); err != nil {
			return err
		}
		defer db.Close()
	}
	return db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketSettings))
	})
}

// update runs fn in a write transaction.
func (b *BoltDB) update(fn func(bucket *bbolt.Bucket) error) error {
	db := b.db
	if b.shared {
		var err error
		if db, err = b.openFile(b.path, false); err != nil {
			return err
		}
		defer db.Close()
	}
	return db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketSettings)
		if err != nil {
			return err
		}
		return fn(bucket)
	})
}

func recordKey(tenant string, kind Kind) []byte {
	return []byte(tenant + keySep + string(kind))
}

func (b *BoltDB) check(ctx context.Context, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.codec == nil {
		return ErrClosed
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

// Get loads the record for tenant into rec. A record that fails validation
// is deleted and ErrMalformed is returned.
func (b *BoltDB) Get(ctx context.Context, tenant string, rec Record) error {
	if err := b.check(ctx, rec.Kind()); err != nil {
		return err
	}

	var (
		found  bool
		decErr error
	)
	err := b.view(func(bucket *bbolt.Bucket) error {
		if bucket == nil {
			return nil
		}
		v := bucket.Get(recordKey(tenant, rec.Kind()))
		if v == nil {
			return nil
		}
		found = true
		decErr = b.decode(rec, v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading %s record: %w", rec.Kind(), err)
	}
	if !found {
		return ErrNotFound
	}
	if decErr != nil {
		b.discard(tenant, rec.Kind(), decErr)
		return decErr
	}
	return nil
}

// Put stores rec for tenant, replacing any previous record of the same kind.
func (b *BoltDB) Put(ctx context.Context, tenant string, rec Record) error {
	if err := b.check(ctx, rec.Kind()); err != nil {
		return err
	}
	value := b.codec.Seal(rec.Kind(), rec.MarshalWire(), b.now())
	err := b.update(func(bucket *bbolt.Bucket) error {
		return bucket.Put(recordKey(tenant, rec.Kind()), value)
	})
	if err != nil {
		return fmt.Errorf("writing %s record: %w", rec.Kind(), err)
	}
	return nil
}

// Update runs a read-modify-write of the record for tenant in a single
// transaction. fn receives whether a valid record was loaded into rec; a
// missing or malformed record leaves rec zeroed. When fn returns an error
// nothing is written.
func (b *BoltDB) Update(ctx context.Context, tenant string, rec Record, fn func(found bool) error) error {
	if err := b.check(ctx, rec.Kind()); err != nil {
		return err
	}
	key := recordKey(tenant, rec.Kind())

	return b.update(func(bucket *bbolt.Bucket) error {
		found := false
		if v := bucket.Get(key); v != nil {
			if err := b.decode(rec, v); err != nil {
				b.logger.Warn("rebuilding malformed record", "tenant", tenant, "kind", rec.Kind(), "error", err)
				_ = rec.UnmarshalWire(nil)
			} else {
				found = true
			}
		}
		if err := fn(found); err != nil {
			return err
		}
		value := b.codec.Seal(rec.Kind(), rec.MarshalWire(), b.now())
		if err := bucket.Put(key, value); err != nil {
			return fmt.Errorf("writing %s record: %w", rec.Kind(), err)
		}
		return nil
	})
}

// Delete removes the record of kind for tenant. Deleting a missing record is
// not an error.
func (b *BoltDB) Delete(ctx context.Context, tenant string, kind Kind) error {
	if err := b.check(ctx, kind); err != nil {
		return err
	}
	return b.update(func(bucket *bbolt.Bucket) error {
		return bucket.Delete(recordKey(tenant, kind))
	})
}

// Sweep deletes records whose tenant is not in tenants or whose kind is not
// allow-listed, and returns how many were removed.
func (b *BoltDB) Sweep(ctx context.Context, tenants []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.codec == nil {
		return 0, ErrClosed
	}
	keep := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		keep[t] = true
	}

	removed := 0
	err := b.update(func(bucket *bbolt.Bucket) error {
		var stale [][]byte
		err := bucket.ForEach(func(k, _ []byte) error {
			tenant, kind, ok := strings.Cut(string(k), keySep)
			if !ok || !keep[tenant] || !Kind(kind).Valid() {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping records: %w", err)
	}
	if removed > 0 {
		b.logger.Info("swept stale records", "removed", removed)
	}
	return removed, nil
}

func (b *BoltDB) decode(rec Record, value []byte) error {
	payload, _, err := b.codec.Open(rec.Kind(), value)
	if err != nil {
		return err
	}
	if err := rec.UnmarshalWire(payload); err != nil {
		if errors.Is(err, ErrMalformed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (b *BoltDB) discard(tenant string, kind Kind, cause error) {
	b.logger.Warn("deleting malformed record", "tenant", tenant, "kind", kind, "error", cause)
	err := b.update(func(bucket *bbolt.Bucket) error {
		return bucket.Delete(recordKey(tenant, kind))
	})
	if err != nil {
		b.logger.Error("failed to delete malformed record", "tenant", tenant, "kind", kind, "error", err)
	}
}
