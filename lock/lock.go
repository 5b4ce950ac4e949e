// Package lock serialises destructive operations on a cache subtree across
// processes sharing the same storage.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/wolfeidau/page-cache/telemetry"
)

// FileName is the sentinel file created in a locked subtree.
const FileName = ".pagecache.lock"

// Default acquisition parameters.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetryDelay = 25 * time.Millisecond
)

// ErrTimeout is returned when a lock could not be acquired in time. The
// caller may retry the whole operation later.
var ErrTimeout = errors.New("lock wait timed out")

// Target names one subtree to lock.
type Target struct {
	Name string // used in logs and the lock file body, usually the tenant ID
	Dir  string // directory that holds the sentinel file
}

// Locker acquires exclusive subtree locks.
type Locker interface {
	Acquire(ctx context.Context, target Target) (Releaser, error)
}

// Releaser releases a held lock. Release is idempotent.
type Releaser interface {
	Release() error
}

// Owner is the body written to the sentinel file while the lock is held.
type Owner struct {
	Token      string    `json:"token"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLocker locks subtrees with flock(2) on a sentinel file. The kernel
// drops the lock when the holding process exits, so a crashed holder never
// leaves a lock behind. The file itself stays in place after release.
type FileLocker struct {
	timeout    time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a FileLocker.
type Option func(*FileLocker)

// WithTimeout sets how long Acquire waits before returning ErrTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *FileLocker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRetryDelay sets the polling interval while waiting.
func WithRetryDelay(d time.Duration) Option {
	return func(l *FileLocker) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *FileLocker) {
		l.logger = logger
	}
}

// WithNow sets the clock used for the lock file body (for testing).
func WithNow(now func() time.Time) Option {
	return func(l *FileLocker) {
		l.now = now
	}
}

// NewFileLocker creates a FileLocker.
func NewFileLocker(opts ...Option) *FileLocker {
	l := &FileLocker{
		timeout:    DefaultTimeout,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "lock")
	return l
}

// Lock is a held subtree lock.
type Lock struct {
	target Target
	fl     *flock.Flock
	owner  Owner
	logger *slog.Logger
	once   sync.Once
	err    error
}

// Acquire takes the exclusive lock for target, waiting up to the configured
// timeout. The lock directory is created if needed.
func (l *FileLocker) Acquire(ctx context.Context, target Target) (Releaser, error) {
	if err := os.MkdirAll(target.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	path := filepath.Join(target.Dir, FileName)
	fl := flock.New(path)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	locked, err := fl.TryLockContext(waitCtx, l.retryDelay)
	wait := time.Since(start)
	if err != nil || !locked {
		switch {
		case ctx.Err() != nil:
			telemetry.RecordLockWait(ctx, "canceled", wait)
			return nil, fmt.Errorf("acquiring lock %s: %w", target.Name, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded) || (err == nil && !locked):
			telemetry.RecordLockWait(ctx, "timeout", wait)
			l.logger.Warn("lock wait timed out", "name", target.Name, "dir", target.Dir, "waited", wait)
			return nil, fmt.Errorf("acquiring lock %s after %s: %w", target.Name, wait, ErrTimeout)
		default:
			telemetry.RecordLockWait(ctx, "error", wait)
			return nil, fmt.Errorf("acquiring lock %s: %w", target.Name, err)
		}
	}
	telemetry.RecordLockWait(ctx, "acquired", wait)

	lk := &Lock{
		target: target,
		fl:     fl,
		owner: Owner{
			Token:      uuid.NewString(),
			Name:       target.Name,
			PID:        os.Getpid(),
			AcquiredAt: l.now().UTC(),
		},
		logger: l.logger,
	}
	if err := lk.writeOwner(path); err != nil {
		// The body is informational only.
		l.logger.Warn("writing lock owner failed", "path", path, "error", err)
	}

	l.logger.Debug("lock acquired", "name", target.Name, "token", lk.owner.Token, "waited", wait)
	return lk, nil
}

func (lk *Lock) writeOwner(path string) error {
	body, err := json.Marshal(lk.owner)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(body, '\n'), 0o644)
}

// Owner returns the owner record of the held lock.
func (lk *Lock) Owner() Owner {
	return lk.owner
}

// Release unlocks. Safe to call more than once.
func (lk *Lock) Release() error {
	lk.once.Do(func() {
		if err := lk.fl.Unlock(); err != nil {
			lk.err = fmt.Errorf("releasing lock %s: %w", lk.target.Name, err)
			return
		}
		lk.logger.Debug("lock released", "name", lk.target.Name, "token", lk.owner.Token)
	})
	return lk.err
}

// ReadOwner returns the owner record last written to the sentinel in dir.
func ReadOwner(dir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, fmt.Errorf("decoding lock owner: %w", err)
	}
	return o, nil
}

// Set is a group of held locks released together.
type Set []Releaser

// Release releases every lock in reverse acquisition order.
func (s Set) Release() error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AcquireAll locks every target in name order so that concurrent callers
// locking overlapping sets cannot deadlock. On failure, locks already taken
// are released.
func AcquireAll(ctx context.Context, l Locker, targets []Target) (Set, error) {
	sorted := append([]Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Dir < sorted[j].Dir
	})

	held := make(Set, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, t := range sorted {
		if seen[t.Dir] {
			continue
		}
		seen[t.Dir] = true
		r, err := l.Acquire(ctx, t)
		if err != nil {
			_ = held.Release()
			return nil, err
		}
		held = append(held, r)
	}
	return held, nil
}

// Nop is a Locker that never blocks. The key-value backend uses it since
// its mutations are guarded by compare-and-swap instead.
type Nop struct{}

// Acquire implements Locker.
func (Nop) Acquire(context.Context, Target) (Releaser, error) {
	return nopRelease{}, nil
}

type nopRelease struct{}

func (nopRelease) Release() error { return nil }

var (
	_ Locker   = (*FileLocker)(nil)
	_ Locker   = Nop{}
	_ Releaser = (*Lock)(nil)
	_ Releaser = Set(nil)
)
