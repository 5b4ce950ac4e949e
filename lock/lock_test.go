package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "example.com")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewFileLocker(WithNow(func() time.Time { return fixed }))

	r, err := l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
	require.NoError(t, err)

	owner, err := ReadOwner(dir)
	require.NoError(t, err)
	require.Equal(t, "main", owner.Name)
	require.Equal(t, os.Getpid(), owner.PID)
	require.Equal(t, fixed, owner.AcquiredAt)
	require.NotEmpty(t, owner.Token)
	require.Equal(t, owner, r.(*Lock).Owner())

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())

	// The sentinel stays in place after release.
	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
}

func TestAcquireTimeout(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLocker(WithTimeout(50*time.Millisecond), WithRetryDelay(5*time.Millisecond))

	held, err := l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, err = l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestAcquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLocker(WithTimeout(time.Second), WithRetryDelay(5*time.Millisecond))

	held, err := l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	next, err := l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
	require.NoError(t, err)
	require.NoError(t, next.Release())
}

func TestAcquireCanceled(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLocker(WithTimeout(time.Minute), WithRetryDelay(5*time.Millisecond))

	held, err := l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, Target{Name: "main", Dir: dir})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
}

func TestLockExclusivity(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLocker(WithTimeout(5*time.Second), WithRetryDelay(time.Millisecond))

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Acquire(context.Background(), Target{Name: "main", Dir: dir})
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, r.Release())
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxSeen.Load())
}

func TestDifferentSubtreesDoNotContend(t *testing.T) {
	root := t.TempDir()
	l := NewFileLocker(WithTimeout(50 * time.Millisecond))

	a, err := l.Acquire(context.Background(), Target{Name: "main", Dir: filepath.Join(root, "a")})
	require.NoError(t, err)
	defer func() { _ = a.Release() }()

	b, err := l.Acquire(context.Background(), Target{Name: "site2", Dir: filepath.Join(root, "b")})
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

type recordingLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	failOn   string
}

type recordingRelease struct {
	l    *recordingLocker
	name string
}

func (r recordingRelease) Release() error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	r.l.released = append(r.l.released, r.name)
	return nil
}

func (l *recordingLocker) Acquire(_ context.Context, t Target) (Releaser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.Name == l.failOn {
		return nil, ErrTimeout
	}
	l.acquired = append(l.acquired, t.Name)
	return recordingRelease{l: l, name: t.Name}, nil
}

func TestAcquireAllSortedOrder(t *testing.T) {
	l := &recordingLocker{}
	set, err := AcquireAll(context.Background(), l, []Target{
		{Name: "site3", Dir: "/c"},
		{Name: "main", Dir: "/a"},
		{Name: "site2", Dir: "/b"},
		{Name: "main", Dir: "/a"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"main", "site2", "site3"}, l.acquired)

	require.NoError(t, set.Release())
	require.Equal(t, []string{"site3", "site2", "main"}, l.released)
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	l := &recordingLocker{failOn: "site2"}
	_, err := AcquireAll(context.Background(), l, []Target{
		{Name: "main", Dir: "/a"},
		{Name: "site2", Dir: "/b"},
		{Name: "site3", Dir: "/c"},
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, []string{"main"}, l.acquired)
	require.Equal(t, []string{"main"}, l.released)
}

func TestNop(t *testing.T) {
	r, err := Nop{}.Acquire(context.Background(), Target{Name: "main"})
	require.NoError(t, err)
	require.NoError(t, r.Release())
}
