// Package address maps requests to canonical cache keys and maps keys to
// storage paths and back.
package address

import (
	"errors"
	"fmt"
	"strings"

	pagecache "github.com/wolfeidau/page-cache"
)

// ErrNotCacheable is returned when a request must be served without the cache.
// It is a normal outcome and callers should not log it as a failure.
var ErrNotCacheable = errors.New("not cacheable")

// Device classes produced by user-agent classification.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
)

// AnonymousUser is the user token for requests without a logged-in user.
const AnonymousUser = "0"

// DefaultMobileAgents are the user-agent substrings classified as mobile.
var DefaultMobileAgents = []string{
	"mobile", "android", "iphone", "ipod", "blackberry",
	"opera mini", "windows phone", "iemobile", "silk",
}

// Options controls which request attributes become part of the key.
type Options struct {
	// SchemeSensitive stores http and https renders separately.
	SchemeSensitive bool `yaml:"scheme_sensitive"`

	// CacheQueryStrings caches requests with a query string. When false,
	// any request with a query is not cacheable.
	CacheQueryStrings bool `yaml:"cache_query_strings"`

	// IgnoredQueryParams are dropped before the query becomes part of the
	// key. A trailing "*" matches by prefix, e.g. "utm_*".
	IgnoredQueryParams []string `yaml:"ignored_query_params"`

	// DeviceAdaptive adds a device class token to every key.
	DeviceAdaptive bool `yaml:"device_adaptive"`

	// MobileAgents overrides DefaultMobileAgents.
	MobileAgents []string `yaml:"mobile_agents"`

	// UserSpecific adds a user token to every key.
	UserSpecific bool `yaml:"user_specific"`
}

// Request carries the attributes of an incoming request that affect its key.
type Request struct {
	Scheme    string
	Host      string
	Path      string // relative to the tenant base path, still percent-encoded
	RawQuery  string
	UserAgent string
	Device    string // overrides user-agent classification when set
	UserID    string // empty for anonymous requests
	Format    string // feed or negotiated representation, e.g. "rss2"
}

// Addressor computes cache keys. It is pure and safe for concurrent use.
type Addressor struct {
	opts    Options
	network *pagecache.Network
	mobile  []string
}

// New creates an Addressor. network may be nil for a single-tenant install.
func New(network *pagecache.Network, opts Options) *Addressor {
	mobile := opts.MobileAgents
	if len(mobile) == 0 {
		mobile = DefaultMobileAgents
	}
	lowered := make([]string, 0, len(mobile))
	for _, m := range mobile {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return &Addressor{opts: opts, network: network, mobile: lowered}
}

// Options returns the addressing options.
func (a *Addressor) Options() Options {
	return a.opts
}

// AddressFor returns the key for r served by tenant t.
func (a *Addressor) AddressFor(t pagecache.Tenant, r Request) (Key, error) {
	t = t.Normalize()
	var k Key

	if a.opts.SchemeSensitive {
		switch s := strings.ToLower(r.Scheme); s {
		case "http", "https":
			k.Scheme = s
		case "":
			k.Scheme = "http"
		default:
			return Key{}, fmt.Errorf("%w: unsupported scheme %q", ErrNotCacheable, r.Scheme)
		}
	}

	host, err := NormalizeHost(r.Host, strings.ToLower(r.Scheme))
	if err != nil {
		return Key{}, err
	}
	tenantHost, err := NormalizeHost(t.Host, strings.ToLower(r.Scheme))
	if err != nil {
		return Key{}, fmt.Errorf("tenant %q: %w", t.ID, err)
	}
	if host != tenantHost {
		return Key{}, fmt.Errorf("%w: host %q is not served by tenant %q", ErrNotCacheable, host, t.ID)
	}
	k.Host = host

	rel, err := NormalizePath(r.Path)
	if err != nil {
		return Key{}, err
	}
	k.Path = strings.TrimSuffix(t.BasePath, "/") + rel

	if a.network != nil {
		scope := a.network.Scope(t)
		if !scope.Contains(k.Host + k.Path) {
			return Key{}, fmt.Errorf("%w: %s belongs to a nested tenant", ErrNotCacheable, k.Host+k.Path)
		}
	}

	if r.RawQuery != "" {
		if !a.opts.CacheQueryStrings {
			return Key{}, fmt.Errorf("%w: query strings are not cached", ErrNotCacheable)
		}
		if k.Query, err = CanonicalQuery(r.RawQuery, a.opts.IgnoredQueryParams); err != nil {
			return Key{}, err
		}
	}

	if a.opts.DeviceAdaptive {
		k.Device = strings.ToLower(r.Device)
		if k.Device == "" {
			k.Device = a.Classify(r.UserAgent)
		}
		if !validToken(k.Device) {
			return Key{}, fmt.Errorf("%w: invalid device %q", ErrNotCacheable, r.Device)
		}
	}

	switch {
	case a.opts.UserSpecific:
		k.User = strings.ToLower(r.UserID)
		if k.User == "" {
			k.User = AnonymousUser
		}
		if !validToken(k.User) {
			return Key{}, fmt.Errorf("%w: invalid user %q", ErrNotCacheable, r.UserID)
		}
	case r.UserID != "":
		return Key{}, fmt.Errorf("%w: logged-in request", ErrNotCacheable)
	}

	if r.Format != "" {
		k.Format = strings.ToLower(r.Format)
		if !validToken(k.Format) {
			return Key{}, fmt.Errorf("%w: invalid format %q", ErrNotCacheable, r.Format)
		}
	}

	return k, nil
}

// Classify returns the device class for a user agent.
func (a *Addressor) Classify(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, m := range a.mobile {
		if strings.Contains(ua, m) {
			return DeviceMobile
		}
	}
	return DeviceDesktop
}
