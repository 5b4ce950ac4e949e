package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagecache "github.com/wolfeidau/page-cache"
)

var (
	mainSite = pagecache.Tenant{ID: "main", Host: "example.com", BasePath: "/"}
	subSite  = pagecache.Tenant{ID: "site2", Host: "example.com", BasePath: "/site2/"}
)

func newTestNetwork(t *testing.T) *pagecache.Network {
	t.Helper()
	n, err := pagecache.NewNetwork(mainSite, subSite)
	require.NoError(t, err)
	return n
}

func TestAddressForBasic(t *testing.T) {
	a := New(newTestNetwork(t), Options{})

	k, err := a.AddressFor(mainSite, Request{Host: "Example.COM", Path: "/blog/post-1"})
	require.NoError(t, err)
	require.Equal(t, "example.com/blog/post-1/", k.String())

	_, err = a.AddressFor(mainSite, Request{Host: "example.com", Path: "/blog/post-1", RawQuery: "utm=1"})
	require.ErrorIs(t, err, ErrNotCacheable)
}

func TestAddressForDeterministic(t *testing.T) {
	a := New(newTestNetwork(t), Options{
		SchemeSensitive:   true,
		CacheQueryStrings: true,
		DeviceAdaptive:    true,
		UserSpecific:      true,
	})
	r := Request{
		Scheme:    "https",
		Host:      "example.com:443",
		Path:      "/blog//index.html",
		RawQuery:  "b=2&a=1",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)",
		UserID:    "42",
	}

	k1, err := a.AddressFor(mainSite, r)
	require.NoError(t, err)
	k2, err := a.AddressFor(mainSite, r)
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.Equal(t, "https://example.com/blog/?a=1&b=2#d-mobile~u-42", k1.String())
}

func TestAddressForPathNormalization(t *testing.T) {
	a := New(nil, Options{})

	tests := []struct {
		path string
		want string
	}{
		{"", "example.com/"},
		{"/", "example.com/"},
		{"/blog", "example.com/blog/"},
		{"/blog/", "example.com/blog/"},
		{"//blog///post", "example.com/blog/post/"},
		{"/blog/index.php", "example.com/blog/"},
		{"/blog/INDEX.HTM", "example.com/blog/"},
		{"/feed.xml", "example.com/feed.xml"},
		{"/a%7Eb/", "example.com/a~b/"},
		{"/caf%C3%A9/", "example.com/café/"},
		{"/caf%c3%a9/", "example.com/café/"},
		{"/café/", "example.com/café/"},
		{"/%41bc/", "example.com/Abc/"},
		{"/a%3ab/", "example.com/a%3Ab/"},
		{"/bad%FF/", "example.com/bad%FF/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			k, err := a.AddressFor(mainSite, Request{Host: "example.com", Path: tt.path})
			require.NoError(t, err)
			require.Equal(t, tt.want, k.String())
		})
	}
}

func TestAddressForEquivalentEscapes(t *testing.T) {
	a := New(nil, Options{})

	encoded, err := a.AddressFor(mainSite, Request{Host: "example.com", Path: "/caf%C3%A9/men%C3%BC.html"})
	require.NoError(t, err)
	raw, err := a.AddressFor(mainSite, Request{Host: "example.com", Path: "/café/menü.html"})
	require.NoError(t, err)
	require.Equal(t, raw, encoded)

	back, err := ParsePath(encoded.RelPath())
	require.NoError(t, err)
	require.Equal(t, encoded, back)
}

func TestAddressForNotCacheable(t *testing.T) {
	a := New(newTestNetwork(t), Options{})

	tests := []struct {
		name string
		req  Request
	}{
		{"dot dot", Request{Host: "example.com", Path: "/blog/../etc/"}},
		{"dot", Request{Host: "example.com", Path: "/./blog/"}},
		{"encoded dot dot", Request{Host: "example.com", Path: "/blog/%2e%2e/etc/"}},
		{"encoded slash", Request{Host: "example.com", Path: "/a%2Fb/"}},
		{"hidden segment", Request{Host: "example.com", Path: "/.git/config"}},
		{"other host", Request{Host: "other.com", Path: "/"}},
		{"logged in", Request{Host: "example.com", Path: "/", UserID: "7"}},
		{"nested tenant", Request{Host: "example.com", Path: "/site2/page/"}},
		{"bad format", Request{Host: "example.com", Path: "/", Format: "RSS 2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.AddressFor(mainSite, tt.req)
			require.ErrorIs(t, err, ErrNotCacheable)
		})
	}
}

func TestAddressForTenantIsolation(t *testing.T) {
	a := New(newTestNetwork(t), Options{})

	k1, err := a.AddressFor(mainSite, Request{Host: "example.com", Path: "/about/"})
	require.NoError(t, err)
	k2, err := a.AddressFor(subSite, Request{Host: "example.com", Path: "/about/"})
	require.NoError(t, err)

	require.Equal(t, "example.com/about/", k1.String())
	require.Equal(t, "example.com/site2/about/", k2.String())
	require.NotEqual(t, k1.RelPath(), k2.RelPath())
}

func TestAddressForQueryFiltering(t *testing.T) {
	a := New(nil, Options{
		CacheQueryStrings:  true,
		IgnoredQueryParams: []string{"utm_*", "fbclid"},
	})

	k, err := a.AddressFor(mainSite, Request{Host: "example.com", Path: "/", RawQuery: "utm_source=x&fbclid=y&page=2"})
	require.NoError(t, err)
	require.Equal(t, "page=2", k.Query)

	k, err = a.AddressFor(mainSite, Request{Host: "example.com", Path: "/", RawQuery: "utm_source=x"})
	require.NoError(t, err)
	require.Empty(t, k.Query)
	require.Equal(t, "example.com/", k.String())
}

func TestAddressForVariantsAlwaysPresent(t *testing.T) {
	a := New(nil, Options{DeviceAdaptive: true, UserSpecific: true})

	k, err := a.AddressFor(mainSite, Request{Host: "example.com", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, DeviceDesktop, k.Device)
	assert.Equal(t, AnonymousUser, k.User)
	assert.Empty(t, k.Format)

	k, err = a.AddressFor(mainSite, Request{Host: "example.com", Path: "/feed/", Device: "Tablet", Format: "rss2"})
	require.NoError(t, err)
	require.Equal(t, "example.com/feed/#d-tablet~u-0~f-rss2", k.String())
}

func TestAddressForSchemeSensitive(t *testing.T) {
	a := New(nil, Options{SchemeSensitive: true})

	k1, err := a.AddressFor(mainSite, Request{Scheme: "http", Host: "example.com", Path: "/"})
	require.NoError(t, err)
	k2, err := a.AddressFor(mainSite, Request{Scheme: "https", Host: "example.com", Path: "/"})
	require.NoError(t, err)

	require.NotEqual(t, k1.String(), k2.String())
	require.Equal(t, "http/example.com/index.html", k1.RelPath())
	require.Equal(t, "https/example.com/index.html", k2.RelPath())
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		host, scheme, want string
	}{
		{"Example.com", "", "example.com"},
		{"example.com:80", "http", "example.com"},
		{"example.com:443", "https", "example.com"},
		{"example.com:443", "http", "example.com:443"},
		{"example.com:8080", "", "example.com:8080"},
		{"bücher.example", "", "xn--bcher-kva.example"},
		{"[::1]:8080", "", "[::1]:8080"},
	}
	for _, tt := range tests {
		got, err := NormalizeHost(tt.host, tt.scheme)
		require.NoError(t, err, tt.host)
		assert.Equal(t, tt.want, got, tt.host)
	}

	_, err := NormalizeHost("example.com:abc", "")
	require.ErrorIs(t, err, ErrNotCacheable)
}

func TestClassify(t *testing.T) {
	a := New(nil, Options{})
	assert.Equal(t, DeviceMobile, a.Classify("Mozilla/5.0 (Linux; Android 14)"))
	assert.Equal(t, DeviceDesktop, a.Classify("Mozilla/5.0 (X11; Linux x86_64)"))

	custom := New(nil, Options{MobileAgents: []string{"Kindle"}})
	assert.Equal(t, DeviceMobile, custom.Classify("Mozilla/5.0 (kindle)"))
	assert.Equal(t, DeviceDesktop, custom.Classify("Mozilla/5.0 (iPhone)"))
}
