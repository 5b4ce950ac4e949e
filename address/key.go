package address

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Variant token prefixes, in the fixed order they are emitted.
const (
	tokenQuery  = "q-"
	tokenDevice = "d-"
	tokenUser   = "u-"
	tokenFormat = "f-"

	tokenSep   = "~"
	indexName  = "index"
	indexExt   = ".html"
	escapedSep = "%7E"
)

// ErrInvalidPath is returned by ParsePath for paths that no key maps to.
var ErrInvalidPath = errors.New("invalid cache path")

// Key is the canonical address of one cached render.
//
// Every optional component is either fully present or absent, so turning a
// feature on or off moves entries into a disjoint part of the key space.
type Key struct {
	Scheme string // "http" or "https" when scheme-sensitive caching is on
	Host   string // lower-cased ASCII host, default port stripped
	Path   string // "/dir/" (directory form) or "/dir/name.ext" (file form)
	Query  string // canonical encoded query, empty when not cached by query
	Device string
	User   string
	Format string
}

// IsDir reports whether the key uses directory-index storage.
func (k Key) IsDir() bool {
	return strings.HasSuffix(k.Path, "/")
}

// Ext returns the storage file extension, ".html" for directory-index keys.
func (k Key) Ext() string {
	if k.IsDir() {
		return indexExt
	}
	return path.Ext(k.Path)
}

// Resource returns the key without query and variant:
// [scheme "://"] host path.
func (k Key) Resource() string {
	var b strings.Builder
	if k.Scheme != "" {
		b.WriteString(k.Scheme)
		b.WriteString("://")
	}
	b.WriteString(k.Host)
	b.WriteString(k.Path)
	return b.String()
}

// variantTokens returns the non-query variant tokens in fixed order.
func (k Key) variantTokens() []string {
	var tokens []string
	if k.Device != "" {
		tokens = append(tokens, tokenDevice+k.Device)
	}
	if k.User != "" {
		tokens = append(tokens, tokenUser+k.User)
	}
	if k.Format != "" {
		tokens = append(tokens, tokenFormat+k.Format)
	}
	return tokens
}

// storageTokens returns the query and variant tokens used in stored names.
func (k Key) storageTokens() []string {
	var tokens []string
	if k.Query != "" {
		tokens = append(tokens, tokenQuery+base64.RawURLEncoding.EncodeToString([]byte(k.Query)))
	}
	return append(tokens, k.variantTokens()...)
}

// Variant returns the part of the key that distinguishes stored variants of
// one resource, or "" when there is none.
func (k Key) Variant() string {
	return strings.Join(k.storageTokens(), tokenSep)
}

// String returns the canonical key:
//
//	[scheme "://"] host path ["?" query] ["#" variant tokens joined by "~"]
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Resource())
	if k.Query != "" {
		b.WriteByte('?')
		b.WriteString(k.Query)
	}
	if tokens := k.variantTokens(); len(tokens) > 0 {
		b.WriteByte('#')
		b.WriteString(strings.Join(tokens, tokenSep))
	}
	return b.String()
}

// RelPath returns the slash-separated storage path of the key relative to
// the cache root: [scheme/]host/segments/file.
func (k Key) RelPath() string {
	var parts []string
	if k.Scheme != "" {
		parts = append(parts, k.Scheme)
	}
	parts = append(parts, k.Host)

	segs := splitSegments(k.Path)
	var name, ext string
	if k.IsDir() {
		name, ext = indexName, indexExt
	} else {
		last := escapeSegment(segs[len(segs)-1])
		segs = segs[:len(segs)-1]
		ext = path.Ext(last)
		name = strings.TrimSuffix(last, ext)
	}
	for _, s := range segs {
		parts = append(parts, escapeSegment(s))
	}

	if tokens := k.storageTokens(); len(tokens) > 0 {
		name += tokenSep + strings.Join(tokens, tokenSep)
	}
	parts = append(parts, name+ext)
	return strings.Join(parts, "/")
}

// ParsePath is the inverse of Key.RelPath.
func ParsePath(rel string) (Key, error) {
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	var k Key
	if len(parts) >= 3 && (parts[0] == "http" || parts[0] == "https") {
		k.Scheme = parts[0]
		parts = parts[1:]
	}
	if len(parts) < 2 || parts[0] == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	k.Host = parts[0]

	file := parts[len(parts)-1]
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	name, tokens, _ := strings.Cut(stem, tokenSep)
	if name == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}

	dirs := make([]string, 0, len(parts)-2)
	for _, s := range parts[1 : len(parts)-1] {
		if s == "" {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidPath, rel)
		}
		dirs = append(dirs, unescapeSegment(s))
	}
	if name == indexName && ext == indexExt {
		k.Path = joinDir(dirs)
	} else {
		k.Path = "/" + strings.Join(append(dirs, unescapeSegment(name+ext)), "/")
	}

	if tokens != "" {
		if err := k.parseTokens(tokens); err != nil {
			return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidPath, rel, err)
		}
	}
	return k, nil
}

// ParseKey rebuilds a key from its Resource and Variant forms.
func ParseKey(resource, variant string) (Key, error) {
	var k Key
	rest := resource
	if scheme, after, ok := strings.Cut(resource, "://"); ok {
		k.Scheme, rest = scheme, after
	}
	host, p, ok := strings.Cut(rest, "/")
	if !ok || host == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidPath, resource)
	}
	k.Host, k.Path = host, "/"+p
	if variant != "" {
		if err := k.parseTokens(variant); err != nil {
			return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidPath, variant, err)
		}
	}
	return k, nil
}

func (k *Key) parseTokens(s string) error {
	for _, tok := range strings.Split(s, tokenSep) {
		switch {
		case strings.HasPrefix(tok, tokenQuery):
			q, err := base64.RawURLEncoding.DecodeString(tok[len(tokenQuery):])
			if err != nil {
				return fmt.Errorf("decoding query token: %w", err)
			}
			k.Query = string(q)
		case strings.HasPrefix(tok, tokenDevice):
			k.Device = tok[len(tokenDevice):]
		case strings.HasPrefix(tok, tokenUser):
			k.User = tok[len(tokenUser):]
		case strings.HasPrefix(tok, tokenFormat):
			k.Format = tok[len(tokenFormat):]
		default:
			return fmt.Errorf("unknown token %q", tok)
		}
	}
	return nil
}

func joinDir(segs []string) string {
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/") + "/"
}

func splitSegments(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func escapeSegment(s string) string {
	return strings.ReplaceAll(s, tokenSep, escapedSep)
}

func unescapeSegment(s string) string {
	return strings.ReplaceAll(s, escapedSep, tokenSep)
}
