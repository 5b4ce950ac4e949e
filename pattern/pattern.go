// Package pattern compiles invalidation patterns into matchers confined to
// one tenant's part of the key space.
//
// A pattern spec is one of:
//
//	https://example.com/blog/post-1/   a resource and all of its stored variants
//	/category/*                        a glob relative to the tenant base path
//	*/category/news/*                  a glob over the whole key
//	example.com/blog/*                 a glob over the whole key with a literal host
//	re:archives/20[0-9]{2}/            a regular expression appended after the tenant prefix
//
// Matching is case-insensitive and ignores the scheme marker of a key.
// Keys in nested tenants never match a parent tenant's matcher.
package pattern

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
)

const (
	regexPrefix = "re:"

	// variantSuffix lets a resource pattern match its query and variant forms.
	variantSuffix = `(?:[?#].*)?$`
)

// Rejection describes a spec that was skipped during compilation.
type Rejection struct {
	Spec   string
	Reason string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("pattern %q rejected: %s", r.Spec, r.Reason)
}

// Matcher matches canonical key strings (address.Key.String form).
// A Matcher is immutable and safe for concurrent use.
type Matcher struct {
	scopes   []pagecache.Scope
	res      []*regexp.Regexp
	prefixes []string
	rejected []Rejection
	all      bool
}

// Match reports whether key is selected by the matcher.
func (m *Matcher) Match(key string) bool {
	if m == nil {
		return false
	}
	if m.all {
		return true
	}
	bare := StripScheme(key)
	if !m.inScope(bare) {
		return false
	}
	for _, re := range m.res {
		if re.MatchString(bare) {
			return true
		}
	}
	return false
}

// MatchKey is Match for an address.Key.
func (m *Matcher) MatchKey(k address.Key) bool {
	return m.Match(k.String())
}

func (m *Matcher) inScope(bare string) bool {
	for _, s := range m.scopes {
		if s.Contains(bare) {
			return true
		}
	}
	return false
}

// Prefixes returns the minimal set of literal key prefixes (without scheme
// marker) that contain every possible match. It returns nil when the whole
// store may match.
func (m *Matcher) Prefixes() []string {
	if m == nil || m.all {
		return nil
	}
	return append([]string(nil), m.prefixes...)
}

// Scopes returns the tenant scopes the matcher is confined to.
func (m *Matcher) Scopes() []pagecache.Scope {
	if m == nil {
		return nil
	}
	return append([]pagecache.Scope(nil), m.scopes...)
}

// Rejected returns the specs skipped during compilation.
func (m *Matcher) Rejected() []Rejection {
	if m == nil {
		return nil
	}
	return append([]Rejection(nil), m.rejected...)
}

// Everything reports whether the matcher selects the whole store.
func (m *Matcher) Everything() bool {
	return m != nil && m.all
}

// Empty reports whether the matcher can never match.
func (m *Matcher) Empty() bool {
	return m == nil || (!m.all && len(m.res) == 0)
}

// StripScheme removes a leading "http://" or "https://" marker from a key.
func StripScheme(key string) string {
	for _, marker := range []string{"https://", "http://"} {
		if len(key) >= len(marker) && strings.EqualFold(key[:len(marker)], marker) {
			return key[len(marker):]
		}
	}
	return key
}

// Everything returns a matcher selecting every entry of every tenant.
func Everything(network *pagecache.Network) *Matcher {
	m := &Matcher{all: true}
	for _, t := range network.Tenants() {
		m.scopes = append(m.scopes, network.Scope(t))
	}
	return m
}

// All compiles a matcher for the whole scope.
func (c *Compiler) All(scope pagecache.Scope) *Matcher {
	m := &Matcher{scopes: []pagecache.Scope{scope}}
	re, err := c.regex(`(?i)^` + regexp.QuoteMeta(scope.Prefix))
	if err != nil {
		m.rejected = append(m.rejected, Rejection{Spec: scope.Prefix, Reason: err.Error()})
		return m
	}
	m.res = append(m.res, re)
	m.prefixes = []string{scope.Prefix}
	return m
}

// Resource compiles a matcher for one tenant-relative path and its variants.
func (c *Compiler) Resource(scope pagecache.Scope, relPath string) *Matcher {
	m := &Matcher{scopes: []pagecache.Scope{scope}}
	c.addResource(m, scope, relPath, relPath)
	m.finish()
	return m
}

// Compile compiles specs into one matcher confined to scope. Invalid and
// out-of-scope specs are skipped and reported by Matcher.Rejected.
func (c *Compiler) Compile(scope pagecache.Scope, specs []string) *Matcher {
	m := &Matcher{scopes: []pagecache.Scope{scope}}
	for _, raw := range specs {
		spec := strings.TrimSpace(raw)
		switch {
		case spec == "":
			continue
		case strings.HasPrefix(spec, regexPrefix):
			c.addFragment(m, scope, spec)
		case strings.Contains(spec, "://"):
			c.addURL(m, scope, spec)
		case strings.HasPrefix(spec, "/"):
			if strings.Contains(spec, "*") {
				c.addGlob(m, spec, base(scope)+spec, base(scope)+literal(spec))
			} else {
				c.addResource(m, scope, spec, spec)
			}
		case strings.HasPrefix(spec, "*"):
			c.addGlob(m, spec, spec, scope.Prefix)
		default:
			c.addHostGlob(m, scope, spec)
		}
	}
	m.finish()
	return m
}

func (c *Compiler) addResource(m *Matcher, scope pagecache.Scope, spec, relPath string) {
	p, err := address.NormalizePath(relPath)
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	c.addKey(m, scope, spec, base(scope)+p)
}

// addKey adds a resource key (host and normalised path) and its variants.
func (c *Compiler) addKey(m *Matcher, scope pagecache.Scope, spec, key string) {
	if !scope.Contains(key) {
		m.reject(spec, "outside tenant scope")
		return
	}
	c.add(m, spec, `(?i)^`+regexp.QuoteMeta(key)+variantSuffix, dirOf(key))
}

func (c *Compiler) addURL(m *Matcher, scope pagecache.Scope, spec string) {
	u, err := url.Parse(spec)
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		m.reject(spec, "unsupported scheme")
		return
	}
	host, err := address.NormalizeHost(u.Host, u.Scheme)
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	if !strings.EqualFold(host, scope.Tenant.Host) {
		m.reject(spec, "host does not belong to tenant")
		return
	}
	p, err := address.NormalizePath(u.EscapedPath())
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	key := host + p
	query, err := address.CanonicalQuery(u.RawQuery, c.ignoredParams)
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	if query == "" {
		c.addKey(m, scope, spec, key)
		return
	}
	if !scope.Contains(key) {
		m.reject(spec, "outside tenant scope")
		return
	}
	src := `(?i)^` + regexp.QuoteMeta(key+"?"+query) + `(?:#.*)?$`
	c.add(m, spec, src, dirOf(key))
}

func (c *Compiler) addHostGlob(m *Matcher, scope pagecache.Scope, spec string) {
	hostPart, rest, _ := strings.Cut(spec, "/")
	host, err := address.NormalizeHost(hostPart, "")
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	if !strings.EqualFold(host, scope.Tenant.Host) {
		m.reject(spec, "host does not belong to tenant")
		return
	}
	if !strings.Contains(rest, "*") {
		p, err := address.NormalizePath("/" + rest)
		if err != nil {
			m.reject(spec, err.Error())
			return
		}
		c.addKey(m, scope, spec, host+p)
		return
	}
	expr := host + "/" + rest
	lit := literal(expr)
	if !overlaps(lit, scope.Prefix) {
		m.reject(spec, "outside tenant scope")
		return
	}
	c.addGlob(m, spec, expr, longer(lit, scope.Prefix))
}

func (c *Compiler) addGlob(m *Matcher, spec, expr, prefix string) {
	c.add(m, spec, `(?i)^`+globToRegex(expr)+variantSuffix, prefix)
}

func (c *Compiler) addFragment(m *Matcher, scope pagecache.Scope, spec string) {
	frag := strings.TrimPrefix(spec, regexPrefix)
	if frag == "" {
		m.reject(spec, "empty expression")
		return
	}
	c.add(m, spec, `(?i)^`+regexp.QuoteMeta(scope.Prefix)+`(?:`+frag+`)`, scope.Prefix)
}

func (c *Compiler) add(m *Matcher, spec, src, prefix string) {
	re, err := c.regex(src)
	if err != nil {
		m.reject(spec, err.Error())
		return
	}
	m.res = append(m.res, re)
	m.prefixes = append(m.prefixes, prefix)
}

func (m *Matcher) reject(spec, reason string) {
	m.rejected = append(m.rejected, Rejection{Spec: spec, Reason: reason})
}

// finish reduces prefixes to a minimal set, sorted case-insensitively.
func (m *Matcher) finish() {
	if len(m.prefixes) == 0 {
		return
	}
	ps := append([]string(nil), m.prefixes...)
	sort.Slice(ps, func(i, j int) bool { return strings.ToLower(ps[i]) < strings.ToLower(ps[j]) })
	out := ps[:0]
	for _, p := range ps {
		if len(out) > 0 && hasPrefixFold(p, out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	m.prefixes = out
}

// base returns the scope prefix without its trailing slash, so that a
// tenant-relative path starting with "/" can be appended.
func base(scope pagecache.Scope) string {
	return strings.TrimSuffix(scope.Prefix, "/")
}

// dirOf returns key up to and including its last "/".
func dirOf(key string) string {
	return key[:strings.LastIndexByte(key, '/')+1]
}

// literal returns the part of a glob before its first wildcard.
func literal(glob string) string {
	if i := strings.IndexByte(glob, '*'); i >= 0 {
		return glob[:i]
	}
	return glob
}

func overlaps(a, b string) bool {
	return hasPrefixFold(a, b) || hasPrefixFold(b, a)
}

func longer(a, b string) string {
	if len(a) > len(b) {
		return a
	}
	return b
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// globToRegex quotes everything except "*", which matches any run of characters.
func globToRegex(glob string) string {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}
