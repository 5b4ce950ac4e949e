package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/telemetry"
)

// Key-value backend defaults.
const (
	DefaultNamespace    = "pagecache"
	DefaultMaxKeyLength = 250
	DefaultCASAttempts  = 5
	DefaultCASDelay     = 5 * time.Millisecond

	// ConnectTimeout and IOTimeout are kept short so a slow server cannot
	// stall page rendering.
	ConnectTimeout = 250 * time.Millisecond
	IOTimeout      = 500 * time.Millisecond

	kvName      = "kv"
	idLength    = 36 // uuid string form
	noVariant   = "-"
	subkeySep   = `\`
	scanCount   = 100
	maxCASDelay = 50 * time.Millisecond

	// indexTTLFactor is how much longer than its entries the identifier
	// mapping and member set of a resource live.
	indexTTLFactor = 2
)

var errCASRetry = errors.New("compare-and-swap lost")

// casSession is one connection's view of the compare-and-swap protocol:
// Gets watches and reads a key, Add creates it only if absent and CAS
// replaces it only if unchanged since Gets.
type casSession interface {
	Gets(ctx context.Context, key string) ([]byte, bool, error)
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CAS(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Close() error
}

// KV stores entries in a pool of Redis servers.
//
// A resource (key without query and variant) maps to an opaque identifier:
//
//	<ns>:id:<resource>       -> identifier
//	<ns>:<identifier>\<sub>  -> framed entry
//	<ns>:sub:<identifier>    -> set of stored subkeys
//
// Invalidating every variant of a resource rotates its identifier, which
// orphans the old entries until their TTL removes them.
type KV struct {
	namespace    string
	maxAge       time.Duration
	maxKeyLength int
	casAttempts  uint
	casDelay     time.Duration
	codec        entryCodec
	logger       *slog.Logger
	now          func() time.Time
	dial         func(addr string) (redis.Conn, error)

	// session opens a CAS session on the server owning primary.
	session func(ctx context.Context, primary string) (casSession, error)

	mu      sync.RWMutex
	servers []Server
	pools   map[string]*redis.Pool
	ring    *ring
	enabled bool
}

// KVOption configures a KV backend.
type KVOption func(*KV)

// WithNamespace sets the key namespace.
func WithNamespace(ns string) KVOption {
	return func(kv *KV) {
		if ns != "" {
			kv.namespace = ns
		}
	}
}

// WithKVMaxAge sets the default entry lifetime.
func WithKVMaxAge(d time.Duration) KVOption {
	return func(kv *KV) {
		if d > 0 {
			kv.maxAge = d
		}
	}
}

// WithMaxKeyLength sets the key byte ceiling.
func WithMaxKeyLength(n int) KVOption {
	return func(kv *KV) {
		if n > 0 {
			kv.maxKeyLength = n
		}
	}
}

// WithCASAttempts sets how many times a write is tried before ErrCASConflict.
func WithCASAttempts(n uint) KVOption {
	return func(kv *KV) {
		if n > 0 {
			kv.casAttempts = n
		}
	}
}

// WithCASDelay sets the initial backoff between CAS attempts.
func WithCASDelay(d time.Duration) KVOption {
	return func(kv *KV) {
		kv.casDelay = d
	}
}

// WithKVLogger sets the logger.
func WithKVLogger(logger *slog.Logger) KVOption {
	return func(kv *KV) {
		kv.logger = logger
	}
}

// WithKVNow sets the clock (for testing).
func WithKVNow(now func() time.Time) KVOption {
	return func(kv *KV) {
		kv.now = now
	}
}

// NewKV creates a KV backend over servers. An empty list, or a list in which
// no server answers PING, yields a disabled backend rather than an error.
func NewKV(ctx context.Context, servers []Server, opts ...KVOption) *KV {
	kv := &KV{
		namespace:    DefaultNamespace,
		maxAge:       DefaultMaxAge,
		maxKeyLength: DefaultMaxKeyLength,
		casAttempts:  DefaultCASAttempts,
		casDelay:     DefaultCASDelay,
		logger:       slog.Default(),
		now:          time.Now,
		ring:         newRing(nil),
	}
	kv.dial = func(addr string) (redis.Conn, error) {
		return redis.Dial("tcp", addr,
			redis.DialConnectTimeout(ConnectTimeout),
			redis.DialReadTimeout(IOTimeout),
			redis.DialWriteTimeout(IOTimeout),
		)
	}
	kv.session = kv.openSession
	for _, opt := range opts {
		opt(kv)
	}
	kv.logger = kv.logger.With("component", "kv")

	kv.connect(ctx, servers)
	return kv
}

// Name implements Backend.
func (kv *KV) Name() string { return kvName }

// Enabled implements Backend.
func (kv *KV) Enabled() bool {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.enabled
}

// Servers returns the live server list.
func (kv *KV) Servers() []Server {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return append([]Server(nil), kv.servers...)
}

// SetServers replaces the server list when it differs from the live one.
// The pools are torn down and rebuilt rather than patched. It reports
// whether anything changed.
func (kv *KV) SetServers(ctx context.Context, servers []Server) bool {
	if sameServers(kv.Servers(), servers) {
		return false
	}
	kv.logger.Info("server list changed, reconnecting", "servers", serverStrings(servers))
	kv.connect(ctx, servers)
	return true
}

// Close closes every pool.
func (kv *KV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var errs []error
	for _, p := range kv.pools {
		errs = append(errs, p.Close())
	}
	kv.pools = make(map[string]*redis.Pool)
	kv.ring = newRing(nil)
	kv.enabled = false
	return errors.Join(errs...)
}

func (kv *KV) connect(ctx context.Context, servers []Server) {
	pools := make(map[string]*redis.Pool, len(servers))
	for _, s := range servers {
		addr := s.Addr()
		pools[addr] = &redis.Pool{
			MaxIdle:     8,
			IdleTimeout: 4 * time.Minute,
			Dial:        func() (redis.Conn, error) { return kv.dial(addr) },
		}
	}

	alive := 0
	for addr, p := range pools {
		if err := ping(ctx, p); err != nil {
			kv.logger.Debug("server not answering", "addr", addr, "error", err)
			continue
		}
		alive++
	}

	kv.mu.Lock()
	old := kv.pools
	wasEnabled := kv.enabled
	kv.servers = append([]Server(nil), servers...)
	kv.pools = pools
	kv.ring = newRing(servers)
	kv.enabled = alive > 0
	kv.mu.Unlock()

	for _, p := range old {
		_ = p.Close()
	}

	if !kv.enabled && (wasEnabled || old == nil) {
		kv.logger.Warn("key-value backend disabled, every request renders", "servers", serverStrings(servers))
	}
}

func ping(ctx context.Context, p *redis.Pool) error {
	conn, err := p.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// conn returns a pooled connection to the server owning primary.
func (kv *KV) conn(ctx context.Context, primary string) (redis.Conn, error) {
	kv.mu.RLock()
	p := kv.pools[kv.ring.pick(primary)]
	kv.mu.RUnlock()
	if p == nil {
		return nil, ErrDisabled
	}
	return p.GetContext(ctx)
}

func (kv *KV) mappingKey(primary string) string { return kv.namespace + ":id:" + primary }
func (kv *KV) memberKey(id string) string       { return kv.namespace + ":sub:" + id }
func (kv *KV) entryKey(id, sub string) string   { return kv.namespace + ":" + id + subkeySep + sub }

func subkeyOf(key address.Key) string {
	if v := key.Variant(); v != "" {
		return v
	}
	return noVariant
}

// checkKey rejects keys the server would refuse, before any network call.
func (kv *KV) checkKey(primary, sub string) error {
	mapping := len(kv.namespace) + len(":id:") + len(primary)
	entry := len(kv.namespace) + 1 + idLength + len(subkeySep) + len(sub)
	if n := max(mapping, entry); n > kv.maxKeyLength {
		return fmt.Errorf("%d bytes exceeds %d: %w", n, kv.maxKeyLength, ErrKeyTooLong)
	}
	return nil
}

// Get implements Backend.
func (kv *KV) Get(ctx context.Context, key address.Key) (*Entry, error) {
	primary, sub := key.Resource(), subkeyOf(key)
	if err := kv.checkKey(primary, sub); err != nil {
		return nil, err
	}
	if !kv.Enabled() {
		return nil, ErrNotFound
	}

	conn, err := kv.conn(ctx, primary)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	id, err := redis.String(redis.DoContext(conn, ctx, "GET", kv.mappingKey(primary)))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading identifier: %w", err)
	}

	value, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", kv.entryKey(id, sub)))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}

	e, err := kv.codec.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", key, err)
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.ModTime.Add(kv.maxAge)
	}
	if kv.now().After(e.ExpiresAt) {
		return nil, ErrExpired
	}
	return e, nil
}

// Put implements Backend. A disabled backend drops the write.
func (kv *KV) Put(ctx context.Context, key address.Key, e *Entry) error {
	primary, sub := key.Resource(), subkeyOf(key)
	if err := kv.checkKey(primary, sub); err != nil {
		return err
	}
	if !kv.Enabled() {
		return nil
	}

	now := kv.now()
	ttl := kv.maxAge
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return nil
		}
	}
	value, err := kv.codec.Encode(e, now)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	keep := kv.indexTTL(ttl)
	id, err := kv.identifier(ctx, primary, keep)
	if err != nil {
		return err
	}
	if _, err := kv.set(ctx, "put", primary, kv.entryKey(id, sub), ttl, func([]byte, bool) ([]byte, bool, error) {
		return value, true, nil
	}); err != nil {
		return err
	}

	conn, err := kv.conn(ctx, primary)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "SADD", kv.memberKey(id), sub); err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	for _, k := range []string{kv.memberKey(id), kv.mappingKey(primary)} {
		if err := extendTTL(ctx, conn, k, keep); err != nil {
			return err
		}
	}
	return nil
}

// indexTTL is the lifetime of the index keys of a resource holding an
// entry that lives for ttl.
func (kv *KV) indexTTL(ttl time.Duration) time.Duration {
	return max(ttl, kv.maxAge) * indexTTLFactor
}

// extendTTL makes key live at least ttl from now. Keys written without an
// expiry get one.
func extendTTL(ctx context.Context, conn redis.Conn, key string, ttl time.Duration) error {
	cur, err := redis.Int64(redis.DoContext(conn, ctx, "PTTL", key))
	if err != nil {
		return fmt.Errorf("reading ttl of %s: %w", key, err)
	}
	ms := max(ttl.Milliseconds(), 1)
	// -2: the key is gone; otherwise it already outlives ttl.
	if cur == -2 || cur >= ms {
		return nil
	}
	if _, err := redis.DoContext(conn, ctx, "PEXPIRE", key, ms); err != nil {
		return fmt.Errorf("extending ttl of %s: %w", key, err)
	}
	return nil
}

// identifier returns the identifier of primary, creating it with a lifetime
// of ttl if needed.
func (kv *KV) identifier(ctx context.Context, primary string, ttl time.Duration) (string, error) {
	var id string
	_, err := kv.set(ctx, "identifier", primary, kv.mappingKey(primary), ttl, func(old []byte, found bool) ([]byte, bool, error) {
		if found {
			id = string(old)
			return nil, false, nil
		}
		id = uuid.NewString()
		return []byte(id), true, nil
	})
	return id, err
}

// rotate replaces the identifier of primary if it is still oldID. Only one
// of several concurrent rotations from the same identifier succeeds.
func (kv *KV) rotate(ctx context.Context, primary, oldID string) (bool, error) {
	return kv.set(ctx, "rotate", primary, kv.mappingKey(primary), kv.indexTTL(kv.maxAge), func(old []byte, found bool) ([]byte, bool, error) {
		if !found || string(old) != oldID {
			return nil, false, nil
		}
		return []byte(uuid.NewString()), true, nil
	})
}

// updateFunc computes the new value from the current one. Returning false
// leaves the key untouched.
type updateFunc func(old []byte, found bool) ([]byte, bool, error)

// set runs the bounded compare-and-swap loop on key and reports whether a
// value was written.
func (kv *KV) set(ctx context.Context, op, primary, key string, ttl time.Duration, update updateFunc) (bool, error) {
	var attempts uint
	written, err := retry.DoWithData(func() (bool, error) {
		attempts++
		sess, err := kv.session(ctx, primary)
		if err != nil {
			return false, err
		}
		defer sess.Close()

		old, found, err := sess.Gets(ctx, key)
		if err != nil {
			return false, err
		}
		value, write, err := update(old, found)
		if err != nil || !write {
			return false, err
		}

		var ok bool
		if found {
			ok, err = sess.CAS(ctx, key, value, ttl)
		} else {
			ok, err = sess.Add(ctx, key, value, ttl)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			telemetry.RecordCASConflict(ctx, op)
			return false, errCASRetry
		}
		return true, nil
	},
		retry.Attempts(kv.casAttempts),
		retry.Delay(kv.casDelay),
		retry.MaxDelay(maxCASDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errCASRetry) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if errors.Is(err, errCASRetry) {
		kv.logger.Warn("compare-and-swap gave up", "op", op, "key", key, "attempts", attempts)
		return false, fmt.Errorf("%s %s after %d attempts: %w", op, key, attempts, ErrCASConflict)
	}
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, key, err)
	}
	return written, nil
}

// DeleteMatching implements Backend. A resource whose every stored variant
// matches is invalidated by rotating its identifier and counts all of its
// members once; otherwise matching members are removed one by one.
func (kv *KV) DeleteMatching(ctx context.Context, m Matcher) (int, error) {
	if m.Empty() || !kv.Enabled() {
		return 0, nil
	}
	start := time.Now()
	defer func() { telemetry.RecordWalk(ctx, kvName, "delete", time.Since(start)) }()

	count := 0
	err := kv.scan(ctx, m, func(conn redis.Conn, rec resourceRecord) error {
		matched := rec.matching(m)
		if len(matched) == 0 {
			return nil
		}
		if len(matched) == len(rec.members) {
			rotated, err := kv.rotate(ctx, rec.primary, rec.id)
			if err != nil {
				return err
			}
			if rotated {
				count += len(rec.members)
				if _, err := redis.DoContext(conn, ctx, "DEL", kv.memberKey(rec.id)); err != nil {
					kv.logger.Warn("removing member set failed", "primary", rec.primary, "error", err)
				}
			}
			return nil
		}
		n, err := kv.removeMembers(ctx, conn, rec.id, matched, true)
		count += n
		return err
	})
	return count, err
}

// PurgeExpired implements Backend. Entries expire by TTL on the server, so
// this drops member records whose entry is gone.
func (kv *KV) PurgeExpired(ctx context.Context, m Matcher) (int, error) {
	if m.Empty() || !kv.Enabled() {
		return 0, nil
	}
	start := time.Now()
	defer func() { telemetry.RecordWalk(ctx, kvName, "purge", time.Since(start)) }()

	count := 0
	err := kv.scan(ctx, m, func(conn redis.Conn, rec resourceRecord) error {
		var gone []string
		for _, sub := range rec.matching(m) {
			exists, err := redis.Bool(redis.DoContext(conn, ctx, "EXISTS", kv.entryKey(rec.id, sub)))
			if err != nil {
				return fmt.Errorf("checking entry: %w", err)
			}
			if !exists {
				gone = append(gone, sub)
			}
		}
		n, err := kv.removeMembers(ctx, conn, rec.id, gone, false)
		count += n
		return err
	})
	return count, err
}

// removeMembers removes subs from the member set of id, counting only the
// members this call removed. With deleteEntries it also deletes the entries.
func (kv *KV) removeMembers(ctx context.Context, conn redis.Conn, id string, subs []string, deleteEntries bool) (int, error) {
	count := 0
	for _, sub := range subs {
		n, err := redis.Int(redis.DoContext(conn, ctx, "SREM", kv.memberKey(id), sub))
		if err != nil {
			return count, fmt.Errorf("removing member: %w", err)
		}
		if n == 0 {
			continue
		}
		count += n
		if deleteEntries {
			if _, err := redis.DoContext(conn, ctx, "DEL", kv.entryKey(id, sub)); err != nil {
				return count, fmt.Errorf("deleting entry: %w", err)
			}
		}
	}
	return count, nil
}

// Walk implements Backend. Sizes are stored value lengths. A disabled
// backend stores nothing, so its walk is empty.
func (kv *KV) Walk(ctx context.Context, m Matcher, opts WalkOptions) (*WalkResult, error) {
	result := newWalkResult()
	if m.Empty() || !kv.Enabled() {
		result.finish()
		return result, nil
	}
	start := time.Now()
	defer func() { telemetry.RecordWalk(ctx, kvName, "walk", time.Since(start)) }()

	err := kv.scan(ctx, m, func(conn redis.Conn, rec resourceRecord) error {
		for _, sub := range rec.matching(m) {
			size, err := redis.Int64(redis.DoContext(conn, ctx, "STRLEN", kv.entryKey(rec.id, sub)))
			if err != nil {
				return fmt.Errorf("sizing entry: %w", err)
			}
			key := rec.keys[sub]
			result.add(key.Ext(), size, size == 0, key.String(), opts.IncludePaths)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.finish()
	return result, nil
}

// resourceRecord is one resource mapping found by a scan.
type resourceRecord struct {
	primary string
	id      string
	members []string
	keys    map[string]address.Key
}

// matching returns the members whose key m selects.
func (r resourceRecord) matching(m Matcher) []string {
	var out []string
	for _, sub := range r.members {
		if k, ok := r.keys[sub]; ok && m.Match(k.String()) {
			out = append(out, sub)
		}
	}
	return out
}

// scan calls fn for every resource mapping whose primary may hold matches,
// on every server in address order.
func (kv *KV) scan(ctx context.Context, m Matcher, fn func(redis.Conn, resourceRecord) error) error {
	kv.mu.RLock()
	addrs := make([]string, 0, len(kv.pools))
	pools := make(map[string]*redis.Pool, len(kv.pools))
	for addr, p := range kv.pools {
		addrs = append(addrs, addr)
		pools[addr] = p
	}
	kv.mu.RUnlock()
	sort.Strings(addrs)

	prefixes := m.Prefixes()
	for _, addr := range addrs {
		if err := kv.scanServer(ctx, pools[addr], prefixes, fn); err != nil {
			return fmt.Errorf("scanning %s: %w", addr, err)
		}
	}
	return nil
}

func (kv *KV) scanServer(ctx context.Context, p *redis.Pool, prefixes []string, fn func(redis.Conn, resourceRecord) error) error {
	conn, err := p.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	mappingPrefix := kv.mappingKey("")
	cursor := "0"
	for {
		reply, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", mappingPrefix+"*", "COUNT", scanCount))
		if err != nil {
			return err
		}
		if len(reply) != 2 {
			return fmt.Errorf("unexpected SCAN reply of %d elements", len(reply))
		}
		if cursor, err = redis.String(reply[0], nil); err != nil {
			return err
		}
		keys, err := redis.Strings(reply[1], nil)
		if err != nil {
			return err
		}

		for _, mk := range keys {
			primary := strings.TrimPrefix(mk, mappingPrefix)
			if !underPrefixes(primary, prefixes) {
				continue
			}
			rec, ok, err := kv.loadRecord(ctx, conn, mk, primary)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := fn(conn, rec); err != nil {
				return err
			}
		}
		if cursor == "0" {
			return nil
		}
	}
}

func (kv *KV) loadRecord(ctx context.Context, conn redis.Conn, mappingKey, primary string) (resourceRecord, bool, error) {
	id, err := redis.String(redis.DoContext(conn, ctx, "GET", mappingKey))
	if errors.Is(err, redis.ErrNil) {
		return resourceRecord{}, false, nil
	}
	if err != nil {
		return resourceRecord{}, false, fmt.Errorf("reading identifier: %w", err)
	}
	members, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", kv.memberKey(id)))
	if err != nil {
		return resourceRecord{}, false, fmt.Errorf("reading members: %w", err)
	}
	sort.Strings(members)

	rec := resourceRecord{primary: primary, id: id, keys: make(map[string]address.Key, len(members))}
	for _, sub := range members {
		variant := sub
		if variant == noVariant {
			variant = ""
		}
		k, err := address.ParseKey(primary, variant)
		if err != nil {
			kv.logger.Debug("skipping foreign member", "primary", primary, "sub", sub)
			continue
		}
		rec.members = append(rec.members, sub)
		rec.keys[sub] = k
	}
	return rec, true, nil
}

// underPrefixes reports whether primary, without scheme marker, may hold
// keys under one of prefixes. Nil prefixes select everything.
func underPrefixes(primary string, prefixes []string) bool {
	if prefixes == nil {
		return true
	}
	if _, rest, ok := strings.Cut(primary, "://"); ok {
		primary = rest
	}
	for _, p := range prefixes {
		if len(primary) >= len(p) && strings.EqualFold(primary[:len(p)], p) {
			return true
		}
	}
	return false
}

// redisSession implements casSession with WATCH/GET, SET NX and MULTI/EXEC
// on one pooled connection.
type redisSession struct {
	conn redis.Conn
}

func (kv *KV) openSession(ctx context.Context, primary string) (casSession, error) {
	conn, err := kv.conn(ctx, primary)
	if err != nil {
		return nil, err
	}
	return &redisSession{conn: conn}, nil
}

func (s *redisSession) Gets(ctx context.Context, key string) ([]byte, bool, error) {
	if _, err := redis.DoContext(s.conn, ctx, "WATCH", key); err != nil {
		return nil, false, fmt.Errorf("watching: %w", err)
	}
	value, err := redis.Bytes(redis.DoContext(s.conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading: %w", err)
	}
	return value, true, nil
}

func (s *redisSession) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := setArgs(key, value, ttl)
	reply, err := redis.DoContext(s.conn, ctx, "SET", append(args, "NX")...)
	if err != nil {
		return false, fmt.Errorf("adding: %w", err)
	}
	return reply != nil, nil
}

func (s *redisSession) CAS(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.conn.Send("MULTI"); err != nil {
		return false, err
	}
	if err := s.conn.Send("SET", setArgs(key, value, ttl)...); err != nil {
		return false, err
	}
	reply, err := redis.DoContext(s.conn, ctx, "EXEC")
	if err != nil {
		return false, fmt.Errorf("swapping: %w", err)
	}
	// A nil reply means a watched key changed.
	return reply != nil, nil
}

func (s *redisSession) Close() error {
	return s.conn.Close()
}

func setArgs(key string, value []byte, ttl time.Duration) []any {
	args := []any{key, value}
	if ttl > 0 {
		args = append(args, "PX", max(ttl.Milliseconds(), 1))
	}
	return args
}

var (
	_ Backend    = (*KV)(nil)
	_ casSession = (*redisSession)(nil)
)
