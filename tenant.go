// Package pagecache holds the types shared by every part of the page cache:
// tenants, the network of tenants in one install, the scope of a tenant's
// cache subtree, and payload digests.
package pagecache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTenant is returned when a tenant ID is not part of the network.
var ErrUnknownTenant = errors.New("unknown tenant")

// Tenant is one logical site of a possibly multi-site installation.
type Tenant struct {
	// ID is a stable identifier used for lock files and the stats namespace.
	ID string `yaml:"id" json:"id"`

	// Host is the site's host name. Compared case-insensitively.
	Host string `yaml:"host" json:"host"`

	// BasePath is "/" for a root site or "/site2/" for a sub-directory site.
	BasePath string `yaml:"base_path" json:"base_path"`
}

// Normalize returns the tenant with a lower-cased host and a base path that
// starts and ends with "/".
func (t Tenant) Normalize() Tenant {
	t.Host = strings.ToLower(strings.TrimSpace(t.Host))
	base := strings.Trim(strings.TrimSpace(t.BasePath), "/")
	if base == "" {
		t.BasePath = "/"
	} else {
		t.BasePath = "/" + base + "/"
	}
	return t
}

// Prefix returns the key prefix of the tenant's subtree, e.g. "example.com/site2/".
func (t Tenant) Prefix() string {
	t = t.Normalize()
	return t.Host + t.BasePath
}

// Scope is the part of the key space owned by exactly one tenant.
type Scope struct {
	Tenant Tenant

	// Prefix is the tenant's key prefix without any scheme marker.
	Prefix string

	// Exclude lists the prefixes of other tenants nested under Prefix.
	Exclude []string
}

// Contains reports whether a key (without scheme marker) belongs to the scope.
// Host and base path are compared case-insensitively.
func (s Scope) Contains(key string) bool {
	if !hasPrefixFold(key, s.Prefix) {
		return false
	}
	for _, ex := range s.Exclude {
		if hasPrefixFold(key, ex) {
			return false
		}
	}
	return true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Network is the set of tenants of one installation.
type Network struct {
	tenants []Tenant
	byID    map[string]Tenant
}

// NewNetwork validates and indexes the given tenants.
func NewNetwork(tenants ...Tenant) (*Network, error) {
	n := &Network{byID: make(map[string]Tenant, len(tenants))}
	prefixes := make(map[string]string, len(tenants))
	for _, t := range tenants {
		t = t.Normalize()
		if t.ID == "" {
			return nil, fmt.Errorf("tenant for host %q has no id", t.Host)
		}
		if t.Host == "" {
			return nil, fmt.Errorf("tenant %q has no host", t.ID)
		}
		if _, dup := n.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		if other, dup := prefixes[t.Prefix()]; dup {
			return nil, fmt.Errorf("tenants %q and %q share prefix %q", other, t.ID, t.Prefix())
		}
		prefixes[t.Prefix()] = t.ID
		n.byID[t.ID] = t
		n.tenants = append(n.tenants, t)
	}
	sort.Slice(n.tenants, func(i, j int) bool { return n.tenants[i].ID < n.tenants[j].ID })
	return n, nil
}

// Tenants returns the tenants sorted by ID.
func (n *Network) Tenants() []Tenant {
	out := make([]Tenant, len(n.tenants))
	copy(out, n.tenants)
	return out
}

// Tenant looks up a tenant by ID.
func (n *Network) Tenant(id string) (Tenant, error) {
	t, ok := n.byID[id]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %q", ErrUnknownTenant, id)
	}
	return t, nil
}

// Scope returns the scope of a tenant, excluding tenants nested under it.
func (n *Network) Scope(t Tenant) Scope {
	t = t.Normalize()
	s := Scope{Tenant: t, Prefix: t.Prefix()}
	for _, other := range n.tenants {
		if other.ID == t.ID {
			continue
		}
		op := other.Prefix()
		if len(op) > len(s.Prefix) && hasPrefixFold(op, s.Prefix) {
			s.Exclude = append(s.Exclude, op)
		}
	}
	sort.Strings(s.Exclude)
	return s
}

// ScopeByID is Scope for a tenant ID.
func (n *Network) ScopeByID(id string) (Scope, error) {
	t, err := n.Tenant(id)
	if err != nil {
		return Scope{}, err
	}
	return n.Scope(t), nil
}

// Resolve finds the tenant serving host and path, picking the longest
// matching base path, and returns the path relative to the tenant base
// (always starting with "/").
func (n *Network) Resolve(host, path string) (Tenant, string, bool) {
	host = strings.ToLower(host)
	if path == "" {
		path = "/"
	}
	var (
		best  Tenant
		found bool
	)
	for _, t := range n.tenants {
		if t.Host != host {
			continue
		}
		if !hasPrefixFold(path+"/", t.BasePath) {
			continue
		}
		if !found || len(t.BasePath) > len(best.BasePath) {
			best, found = t, true
		}
	}
	if !found {
		return Tenant{}, "", false
	}
	rel := "/" + strings.TrimPrefix(path[min(len(path), len(best.BasePath)-1):], "/")
	return best, rel, true
}
