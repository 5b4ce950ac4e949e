// Package invalidate removes cached pages in response to operator commands
// and content events.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/backend"
	"github.com/wolfeidau/page-cache/pattern"
	"github.com/wolfeidau/page-cache/telemetry"
)

const (
	// DefaultBatchSize is how many specs are compiled and walked together.
	DefaultBatchSize = 50

	// DefaultWipeConcurrency bounds the tenants cleared in parallel by WipeAll.
	DefaultWipeConcurrency = 4

	subjectPlaceholder = "{subject}"
)

// ErrUnknownEvent is returned by Handle for an unsupported event kind.
var ErrUnknownEvent = errors.New("unknown event kind")

// EventKind names the content change that triggered an invalidation.
type EventKind string

const (
	EventResource EventKind = "resource"
	EventTerm     EventKind = "term"
	EventAuthor   EventKind = "author"
	EventFeed     EventKind = "feed"
	EventURLs     EventKind = "urls"
)

// Event describes one content change.
type Event struct {
	Kind     EventKind
	TenantID string

	// Subject identifies what changed: a resource ID, term or author slug,
	// or a feed format. It replaces {subject} in rule specs.
	Subject string

	// Paths are the URLs or tenant-relative paths of the changed content,
	// cleared together with the rule specs.
	Paths []string
}

// Rules lists the auxiliary pattern specs cleared with each event kind.
type Rules map[EventKind][]string

// DefaultRules clears listing pages and feeds that enumerate changed content.
func DefaultRules() Rules {
	return Rules{
		EventResource: {"/", "/page/*", "/feed/*"},
		EventTerm:     {"/category/{subject}/*", "/tag/{subject}/*"},
		EventAuthor:   {"/author/{subject}/*"},
		EventFeed:     {"re:.*#(?:[^#]*~)?f-{subject}$"},
	}
}

// Cycle remembers which (kind, subject) pairs were handled during one event
// dispatch. A nil Cycle remembers nothing.
type Cycle struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewCycle starts a dispatch cycle.
func NewCycle() *Cycle {
	return &Cycle{seen: make(map[string]bool)}
}

// first marks the pair as handled and reports whether it was new.
func (c *Cycle) first(ev Event) bool {
	if c == nil || ev.Subject == "" {
		return true
	}
	k := ev.TenantID + "\x00" + string(ev.Kind) + "\x00" + ev.Subject
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[k] {
		return false
	}
	c.seen[k] = true
	return true
}

// Engine clears tenant subtrees or the entries matched by pattern specs.
type Engine struct {
	network         *pagecache.Network
	backend         backend.Backend
	compiler        *pattern.Compiler
	rules           Rules
	batchSize       int
	wipeConcurrency int
	logger          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules sets the auxiliary specs per event kind.
func WithRules(r Rules) Option {
	return func(e *Engine) {
		e.rules = r
	}
}

// WithBatchSize sets how many specs share one compile and walk.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithWipeConcurrency bounds WipeAll's parallelism.
func WithWipeConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.wipeConcurrency = n
		}
	}
}

// WithCompiler shares a pattern compiler.
func WithCompiler(c *pattern.Compiler) Option {
	return func(e *Engine) {
		e.compiler = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an invalidation engine over b.
func NewEngine(network *pagecache.Network, b backend.Backend, opts ...Option) *Engine {
	e := &Engine{
		network:         network,
		backend:         b,
		rules:           DefaultRules(),
		batchSize:       DefaultBatchSize,
		wipeConcurrency: DefaultWipeConcurrency,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.compiler == nil {
		e.compiler = pattern.NewCompiler()
	}
	e.logger = e.logger.With("component", "invalidate")
	return e
}

// Clear removes every entry of a tenant.
func (e *Engine) Clear(ctx context.Context, tenantID string) (int, error) {
	scope, err := e.network.ScopeByID(tenantID)
	if err != nil {
		return 0, err
	}
	return e.run(ctx, "clear", tenantID, e.compiler.All(scope), e.backend.DeleteMatching)
}

// Wipe removes every entry of every tenant.
func (e *Engine) Wipe(ctx context.Context) (int, error) {
	return e.run(ctx, "wipe", "", pattern.Everything(e.network), e.backend.DeleteMatching)
}

// WipeAll clears every tenant concurrently. Use it where tenants do not
// share a lock, as with the key-value backend.
func (e *Engine) WipeAll(ctx context.Context) (int, error) {
	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.wipeConcurrency)
	for _, t := range e.network.Tenants() {
		g.Go(func() error {
			n, err := e.Clear(ctx, t.ID)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("clearing %s: %w", t.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

// PurgeExpired removes a tenant's expired entries.
func (e *Engine) PurgeExpired(ctx context.Context, tenantID string) (int, error) {
	scope, err := e.network.ScopeByID(tenantID)
	if err != nil {
		return 0, err
	}
	return e.run(ctx, "purge", tenantID, e.compiler.All(scope), e.backend.PurgeExpired)
}

// ClearMatching removes the entries selected by specs, compiling and walking
// them in batches. Invalid and out-of-tenant specs are skipped. On error the
// count is the progress made so far.
func (e *Engine) ClearMatching(ctx context.Context, tenantID string, specs []string) (int, error) {
	scope, err := e.network.ScopeByID(tenantID)
	if err != nil {
		return 0, err
	}

	total := 0
	for start := 0; start < len(specs); start += e.batchSize {
		batch := specs[start:min(start+e.batchSize, len(specs))]
		m := e.compiler.Compile(scope, batch)
		for _, r := range m.Rejected() {
			e.logger.Warn("skipping pattern", "tenant", tenantID, "pattern", r.Spec, "reason", r.Reason)
		}
		if m.Empty() {
			continue
		}
		n, err := e.run(ctx, "clear_matching", tenantID, m, e.backend.DeleteMatching)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Handle clears what an event invalidates: the event paths plus the rule
// specs of its kind. A pair already handled in cycle is skipped.
func (e *Engine) Handle(ctx context.Context, cycle *Cycle, ev Event) (int, error) {
	switch ev.Kind {
	case EventResource, EventTerm, EventAuthor, EventFeed, EventURLs:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	if !cycle.first(ev) {
		e.logger.Debug("event already handled in cycle", "kind", ev.Kind, "subject", ev.Subject)
		return 0, nil
	}

	specs := append([]string(nil), ev.Paths...)
	for _, rule := range e.rules[ev.Kind] {
		spec, ok := expand(rule, ev.Subject)
		if !ok {
			e.logger.Debug("rule needs a subject", "kind", ev.Kind, "rule", rule)
			continue
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return 0, nil
	}

	n, err := e.ClearMatching(ctx, ev.TenantID, specs)
	if err != nil {
		return n, fmt.Errorf("handling %s event: %w", ev.Kind, err)
	}
	e.logger.Info("handled event", "tenant", ev.TenantID, "kind", ev.Kind, "subject", ev.Subject, "deleted", n)
	return n, nil
}

// expand substitutes subject into a rule spec, quoting it inside regular
// expressions. It reports false when the rule needs a subject and there is none.
func expand(rule, subject string) (string, bool) {
	if !strings.Contains(rule, subjectPlaceholder) {
		return rule, true
	}
	if subject == "" {
		return "", false
	}
	if strings.HasPrefix(rule, "re:") {
		subject = regexp.QuoteMeta(subject)
	}
	return strings.ReplaceAll(rule, subjectPlaceholder, subject), true
}

func (e *Engine) run(ctx context.Context, op, tenantID string, m *pattern.Matcher, fn func(context.Context, backend.Matcher) (int, error)) (int, error) {
	if tenantID != "" {
		ctx = telemetry.WithTenant(ctx, tenantID)
	}
	start := time.Now()
	n, err := fn(ctx, m)
	telemetry.RecordInvalidation(ctx, op, n, time.Since(start))
	if err != nil {
		e.logger.Error("invalidation failed", "op", op, "tenant", tenantID, "deleted", n, "error", err)
		return n, err
	}
	e.logger.Debug("invalidation complete", "op", op, "tenant", tenantID, "deleted", n, "duration", time.Since(start))
	return n, nil
}
