package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/lock"
	"github.com/wolfeidau/page-cache/telemetry"
)

// Control files kept at the cache root.
const (
	HtaccessFile = ".htaccess"
	DropInFile   = ".pagecache-dropin"

	htaccessBody = "Require all denied\n"
	tmpPrefix    = ".tmp-"
	metaSuffix   = ".meta"
)

// DefaultMaxAge is the default lifetime of a filesystem entry.
const DefaultMaxAge = time.Hour

// Filesystem implements Backend as a directory tree under a root.
// Writes are atomic using a temp file and rename pattern.
// Freshness is derived from the file modification time.
type Filesystem struct {
	root   string
	maxAge time.Duration
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithMaxAge sets the entry lifetime. Zero disables expiry.
func WithMaxAge(d time.Duration) FilesystemOption {
	return func(fs *Filesystem) {
		fs.maxAge = d
	}
}

// WithLocker sets the locker guarding destructive operations.
func WithLocker(l lock.Locker) FilesystemOption {
	return func(fs *Filesystem) {
		fs.locker = l
	}
}

// WithFilesystemLogger sets the logger.
func WithFilesystemLogger(logger *slog.Logger) FilesystemOption {
	return func(fs *Filesystem) {
		fs.logger = logger
	}
}

// WithFilesystemNow sets the clock (for testing).
func WithFilesystemNow(now func() time.Time) FilesystemOption {
	return func(fs *Filesystem) {
		fs.now = now
	}
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory and its access-deny file are created if they do not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	fs := &Filesystem{
		root:   absRoot,
		maxAge: DefaultMaxAge,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(fs)
	}
	if fs.locker == nil {
		fs.locker = lock.NewFileLocker(lock.WithLogger(fs.logger))
	}
	fs.logger = fs.logger.With("component", "filesystem")

	htaccess := filepath.Join(absRoot, HtaccessFile)
	if _, err := os.Stat(htaccess); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(htaccess, []byte(htaccessBody), 0644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", HtaccessFile, err)
		}
	}

	return fs, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Name implements Backend.
func (fs *Filesystem) Name() string {
	return "filesystem"
}

// Enabled implements Backend.
func (fs *Filesystem) Enabled() bool {
	return true
}

// MaxAge returns the configured entry lifetime.
func (fs *Filesystem) MaxAge() time.Duration {
	return fs.maxAge
}

// Get returns the fresh entry for key.
func (fs *Filesystem) Get(ctx context.Context, key address.Key) (*Entry, error) {
	p := fs.keyToPath(key)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	if fs.expired(info.ModTime()) {
		return nil, ErrExpired
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}

	meta := fs.readMeta(p)
	e := &Entry{
		Payload:     data,
		ModTime:     info.ModTime(),
		ContentType: mime.TypeByExtension(key.Ext()),
		Digest:      pagecache.HashBytes(data),
	}
	if meta.ContentType != "" {
		e.ContentType = meta.ContentType
	}
	switch {
	case fs.maxAge > 0:
		e.ExpiresAt = info.ModTime().Add(fs.maxAge)
	case !meta.ExpiresAt.IsZero():
		if fs.now().After(meta.ExpiresAt) {
			return nil, ErrExpired
		}
		e.ExpiresAt = meta.ExpiresAt
	}
	return e, nil
}

// Put stores the payload for key using an atomic write. An explicit
// ExpiresAt is recorded by back-dating the modification time so that the
// regular freshness check expires the entry at that moment. Without a max
// age it is kept in the entry's metadata file instead, together with a
// content type the file extension does not imply.
func (fs *Filesystem) Put(ctx context.Context, key address.Key, e *Entry) error {
	p := fs.keyToPath(key)

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	var meta entryMeta
	if e.ContentType != "" && !strings.EqualFold(e.ContentType, mime.TypeByExtension(key.Ext())) {
		meta.ContentType = e.ContentType
	}
	if fs.maxAge <= 0 {
		meta.ExpiresAt = e.ExpiresAt.UTC()
	}
	if err := fs.writeMeta(p, meta); err != nil {
		return err
	}

	return fs.writeAtomic(p, e.Payload, func(tmpPath string) error {
		mtime := fs.now()
		if !e.ExpiresAt.IsZero() && fs.maxAge > 0 {
			mtime = e.ExpiresAt.Add(-fs.maxAge)
		}
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting modification time: %w", err)
		}
		return nil
	})
}

// writeAtomic writes data to a temp file next to p, calls before on it and
// renames it over p.
func (fs *Filesystem) writeAtomic(p string, data []byte, before func(tmpPath string) error) error {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if os.IsNotExist(err) {
		// A concurrent prune removed the directory.
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		tmp, err = os.CreateTemp(dir, tmpPrefix+"*")
	}
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if before != nil {
		if err := before(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// DeleteMatching removes every entry selected by m while holding the locks
// of the matcher's scopes. Directories left empty are pruned.
func (fs *Filesystem) DeleteMatching(ctx context.Context, m Matcher) (int, error) {
	return fs.deleteWhere(ctx, m, "delete", func(string, os.FileInfo) bool { return true })
}

// PurgeExpired removes expired entries selected by m.
func (fs *Filesystem) PurgeExpired(ctx context.Context, m Matcher) (int, error) {
	return fs.deleteWhere(ctx, m, "purge", fs.expiredEntry)
}

func (fs *Filesystem) deleteWhere(ctx context.Context, m Matcher, kind string, pred func(p string, info os.FileInfo) bool) (int, error) {
	if m == nil || m.Empty() {
		return 0, nil
	}

	held, err := lock.AcquireAll(ctx, fs.locker, fs.lockTargets(m.Scopes()))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := held.Release(); err != nil {
			fs.logger.Warn("releasing locks failed", "error", err)
		}
	}()

	start := time.Now()
	count := 0
	dirs := make(map[string]bool)
	err = fs.walkEntries(ctx, m, func(p string, rel string, info os.FileInfo) error {
		if !pred(p, info) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("removing %s: %w", rel, err)
		}
		if err := os.Remove(metaPath(p)); err != nil && !os.IsNotExist(err) {
			fs.logger.Debug("removing metadata failed", "path", rel, "error", err)
		}
		count++
		dirs[filepath.Dir(p)] = true
		return nil
	})
	telemetry.RecordWalk(ctx, fs.Name(), kind, time.Since(start))

	fs.prune(dirs)

	if err != nil {
		return count, err
	}
	fs.logger.Debug("entries removed", "kind", kind, "count", count, "duration", time.Since(start))
	return count, nil
}

// Walk summarises the entries selected by m.
func (fs *Filesystem) Walk(ctx context.Context, m Matcher, opts WalkOptions) (*WalkResult, error) {
	res := newWalkResult()
	if m == nil || m.Empty() {
		return res, nil
	}

	start := time.Now()
	err := fs.walkEntries(ctx, m, func(p string, rel string, info os.FileInfo) error {
		res.add(path.Ext(rel), allocatedSize(p, info), fs.expiredEntry(p, info), rel, opts.IncludePaths)
		return nil
	})
	telemetry.RecordWalk(ctx, fs.Name(), "stats", time.Since(start))
	res.finish()
	if err != nil {
		return res, err
	}
	return res, nil
}

// walkEntries calls fn for every stored entry under the matcher's prefixes
// whose key the matcher selects. Control files, temp files and files that
// do not map back to a key are skipped.
func (fs *Filesystem) walkEntries(ctx context.Context, m Matcher, fn func(p, rel string, info os.FileInfo) error) error {
	for _, dir := range fs.walkRoots(m.Prefixes()) {
		err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() && p != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(fs.root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			key, err := address.ParsePath(rel)
			if err != nil {
				return nil
			}
			if !m.Match(key.String()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			return fn(p, rel, info)
		})
		if err != nil {
			return fmt.Errorf("walking %s: %w", dir, err)
		}
	}
	return nil
}

// walkRoots maps key prefixes to the directories that can hold matching
// entries, with and without a scheme directory. Directory names are matched
// case-insensitively since key matching is case-insensitive.
func (fs *Filesystem) walkRoots(prefixes []string) []string {
	if prefixes == nil {
		return []string{fs.root}
	}

	var roots []string
	for _, prefix := range prefixes {
		dir := prefix[:strings.LastIndexByte(prefix, '/')+1]
		segs := splitDirSegments(dir)
		for _, schemeDir := range []string{"", "http", "https"} {
			base := fs.root
			if schemeDir != "" {
				base = filepath.Join(fs.root, schemeDir)
			}
			roots = append(roots, resolveFold(base, segs)...)
		}
	}
	return minimalRoots(roots)
}

// resolveFold returns every existing directory under base whose path
// segments equal segs case-insensitively.
func resolveFold(base string, segs []string) []string {
	current := []string{base}
	for _, seg := range segs {
		var next []string
		for _, dir := range current {
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() && strings.EqualFold(e.Name(), seg) {
					next = append(next, filepath.Join(dir, e.Name()))
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// minimalRoots drops duplicates and directories nested under another root.
func minimalRoots(roots []string) []string {
	sort.Strings(roots)
	out := roots[:0]
	for _, r := range roots {
		if len(out) > 0 {
			last := out[len(out)-1]
			if r == last || strings.HasPrefix(r, last+string(filepath.Separator)) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// splitDirSegments splits a key directory prefix into escaped storage segments.
func splitDirSegments(dir string) []string {
	var segs []string
	for _, s := range strings.Split(dir, "/") {
		if s != "" {
			segs = append(segs, strings.ReplaceAll(s, "~", "%7E"))
		}
	}
	return segs
}

// prune removes directories emptied by a delete, walking up towards the
// root. Failures are logged and otherwise ignored.
func (fs *Filesystem) prune(dirs map[string]bool) {
	list := make([]string, 0, len(dirs))
	for d := range dirs {
		list = append(list, d)
	}
	// Deepest first so parents see their children gone.
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })

	for _, d := range list {
		for d != fs.root && strings.HasPrefix(d, fs.root+string(filepath.Separator)) {
			entries, err := os.ReadDir(d)
			if err != nil || len(entries) > 0 {
				break
			}
			if err := os.Remove(d); err != nil {
				if !os.IsNotExist(err) {
					fs.logger.Debug("pruning directory failed", "dir", d, "error", err)
				}
				break
			}
			d = filepath.Dir(d)
		}
	}
}

// lockTargets returns the lock targets for scopes: one sentinel per tenant
// in the tenant's directory below the root.
func (fs *Filesystem) lockTargets(scopes []pagecache.Scope) []lock.Target {
	targets := make([]lock.Target, 0, len(scopes))
	for _, s := range scopes {
		targets = append(targets, lock.Target{
			Name: s.Tenant.ID,
			Dir:  filepath.Join(fs.root, filepath.FromSlash(strings.ToLower(s.Tenant.Host)), filepath.FromSlash(strings.Trim(s.Tenant.BasePath, "/"))),
		})
	}
	return targets
}

// SetDropIn creates or removes the drop-in marker at the root.
func (fs *Filesystem) SetDropIn(enabled bool) error {
	p := filepath.Join(fs.root, DropInFile)
	if !enabled {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing drop-in marker: %w", err)
		}
		return nil
	}
	body := fs.now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		return fmt.Errorf("writing drop-in marker: %w", err)
	}
	return nil
}

// DropInActive reports whether the drop-in marker exists.
func (fs *Filesystem) DropInActive() bool {
	_, err := os.Stat(filepath.Join(fs.root, DropInFile))
	return err == nil
}

func (fs *Filesystem) expired(mtime time.Time) bool {
	return fs.maxAge > 0 && fs.now().Sub(mtime) > fs.maxAge
}

// expiredEntry reports whether the entry at p is past its lifetime, either
// the max age or, without one, an explicit expiry from its metadata.
func (fs *Filesystem) expiredEntry(p string, info os.FileInfo) bool {
	if fs.maxAge > 0 {
		return fs.expired(info.ModTime())
	}
	meta := fs.readMeta(p)
	return !meta.ExpiresAt.IsZero() && fs.now().After(meta.ExpiresAt)
}

// entryMeta is what an entry needs beyond its bytes. It is stored in a
// dotfile next to the entry, only when not empty.
type entryMeta struct {
	ContentType string    `json:"content_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

func (m entryMeta) empty() bool {
	return m.ContentType == "" && m.ExpiresAt.IsZero()
}

// metaPath returns the metadata file of the entry at p.
func metaPath(p string) string {
	return filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+metaSuffix)
}

func (fs *Filesystem) readMeta(p string) entryMeta {
	var meta entryMeta
	data, err := os.ReadFile(metaPath(p))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		fs.logger.Debug("ignoring malformed metadata", "path", p, "error", err)
		return entryMeta{}
	}
	return meta
}

// writeMeta replaces the metadata of the entry at p, or removes it when
// meta is empty.
func (fs *Filesystem) writeMeta(p string, meta entryMeta) error {
	mp := metaPath(p)
	if meta.empty() {
		if err := os.Remove(mp); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing metadata: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return fs.writeAtomic(mp, data, nil)
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key address.Key) string {
	return filepath.Join(fs.root, filepath.FromSlash(key.RelPath()))
}

// Compile-time interface checks
var (
	_ Backend           = (*Filesystem)(nil)
	_ DiskUsageReporter = (*Filesystem)(nil)
)
