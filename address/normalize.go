package address

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// dirIndexNames are trimmed from the end of a request path so that
// "/blog/index.html" and "/blog/" address the same entry.
var dirIndexNames = map[string]bool{
	"index.html": true,
	"index.htm":  true,
	"index.php":  true,
}

// NormalizeHost lower-cases host, converts it to its IDNA ASCII form and
// strips the default port for scheme. An empty scheme strips both 80 and 443.
func NormalizeHost(host, scheme string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrNotCacheable)
	}

	name, port := host, ""
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		name, port = host[:i], host[i+1:]
		if !isDigits(port) {
			return "", fmt.Errorf("%w: invalid port in host %q", ErrNotCacheable, host)
		}
	}

	if !isASCII(name) {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return "", fmt.Errorf("%w: host %q: %v", ErrNotCacheable, host, err)
		}
		name = ascii
	}
	if strings.ContainsAny(name, "/\\?#@ ") {
		return "", fmt.Errorf("%w: invalid host %q", ErrNotCacheable, host)
	}

	switch {
	case port == "":
	case port == "80" && (scheme == "http" || scheme == ""):
		port = ""
	case port == "443" && (scheme == "https" || scheme == ""):
		port = ""
	}
	if port != "" {
		return name + ":" + port, nil
	}
	return name, nil
}

// NormalizePath returns the canonical form of a request path: a leading "/",
// no empty segments, no trailing directory index file, and directory form
// ("/a/b/") for paths whose last segment has no extension.
func NormalizePath(p string) (string, error) {
	if strings.ContainsAny(p, "\x00\\") {
		return "", fmt.Errorf("%w: invalid character in path %q", ErrNotCacheable, p)
	}
	p = unescapeTilde(p)

	segs := splitSegments(p)
	for i, s := range segs {
		s = canonicalEscapes(s)
		segs[i] = s
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("%w: bad escape in path %q", ErrNotCacheable, p)
		}
		if decoded == "." || decoded == ".." {
			return "", fmt.Errorf("%w: traversal in path %q", ErrNotCacheable, p)
		}
		if strings.HasPrefix(decoded, ".") {
			return "", fmt.Errorf("%w: hidden segment in path %q", ErrNotCacheable, p)
		}
		if strings.ContainsAny(decoded, "/\\") {
			return "", fmt.Errorf("%w: encoded separator in path %q", ErrNotCacheable, p)
		}
	}

	if len(segs) == 0 {
		return "/", nil
	}
	last := segs[len(segs)-1]
	if dirIndexNames[strings.ToLower(last)] {
		return joinDir(segs[:len(segs)-1]), nil
	}
	if path.Ext(last) == "" {
		return joinDir(segs), nil
	}
	return "/" + strings.Join(segs, "/"), nil
}

// canonicalEscapes decodes escapes of unreserved characters and of UTF-8
// text in a path segment, so "/caf%C3%A9/" and "/café/" are one path.
// Other escapes are kept with upper-case hex digits. A malformed escape is
// left for the caller to reject.
func canonicalEscapes(seg string) string {
	if !strings.Contains(seg, "%") {
		return seg
	}
	var b strings.Builder
	b.Grow(len(seg))
	for i := 0; i < len(seg); {
		c, ok := escapedByte(seg, i)
		if !ok {
			b.WriteByte(seg[i])
			i++
			continue
		}
		if c < utf8.RuneSelf {
			if unreserved(c) {
				b.WriteByte(c)
			} else {
				fmt.Fprintf(&b, "%%%02X", c)
			}
			i += 3
			continue
		}

		// Collect the run of escaped bytes and decode what is valid UTF-8.
		var run []byte
		j := i
		for j < len(seg) {
			c, ok := escapedByte(seg, j)
			if !ok || c < utf8.RuneSelf {
				break
			}
			run = append(run, c)
			j += 3
		}
		for len(run) > 0 {
			r, size := utf8.DecodeRune(run)
			if r == utf8.RuneError && size <= 1 {
				fmt.Fprintf(&b, "%%%02X", run[0])
			} else {
				b.WriteRune(r)
			}
			run = run[max(size, 1):]
		}
		i = j
	}
	return b.String()
}

// escapedByte decodes the "%XX" escape at s[i].
func escapedByte(s string, i int) (byte, bool) {
	if s[i] != '%' || i+2 >= len(s) {
		return 0, false
	}
	hi, ok1 := unhex(s[i+1])
	lo, ok2 := unhex(s[i+2])
	if !ok1 || !ok2 {
		return 0, false
	}
	return hi<<4 | lo, true
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func unreserved(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// CanonicalQuery filters ignored parameters and returns the remaining ones
// sorted by name in url.Values.Encode form.
func CanonicalQuery(raw string, ignored []string) (string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed query: %v", ErrNotCacheable, err)
	}
	for name := range values {
		if ignoredParam(name, ignored) {
			delete(values, name)
		}
	}
	return values.Encode(), nil
}

func ignoredParam(name string, ignored []string) bool {
	for _, ig := range ignored {
		if prefix, ok := strings.CutSuffix(ig, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == ig {
			return true
		}
	}
	return false
}

// validToken reports whether s may appear as a variant token value.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// unescapeTilde turns every "%7E" (either case) into "~".
func unescapeTilde(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && s[i+1] == '7' && (s[i+2] == 'e' || s[i+2] == 'E') {
			b.WriteByte('~')
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
