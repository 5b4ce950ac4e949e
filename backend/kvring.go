package backend

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	pagecache "github.com/wolfeidau/page-cache"
)

// DefaultServers is the server list used when none is configured.
const DefaultServers = "127.0.0.1:6379:1"

const (
	defaultPort = 6379
	// ringPoints is the number of ring points per unit of server weight.
	ringPoints = 40
)

// Server is one key-value server descriptor.
type Server struct {
	Host   string
	Port   int
	Weight int
}

// Addr returns host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// String returns the descriptor form host:port:weight.
func (s Server) String() string {
	return s.Addr() + ":" + strconv.Itoa(s.Weight)
}

// ParseServers parses a newline delimited list of host[:port[:weight]]
// descriptors. Blank lines and lines starting with # are skipped. IPv6
// hosts are written in brackets.
func ParseServers(list string) ([]Server, error) {
	var servers []Server
	for _, line := range strings.Split(list, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := parseServer(line)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func parseServer(desc string) (Server, error) {
	s := Server{Port: defaultPort, Weight: 1}

	rest := desc
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return Server{}, fmt.Errorf("parsing server %q: missing ]", desc)
		}
		s.Host = rest[1:end]
		rest = strings.TrimPrefix(rest[end+1:], ":")
	} else {
		host, after, _ := strings.Cut(rest, ":")
		s.Host, rest = host, after
	}
	if s.Host == "" {
		return Server{}, fmt.Errorf("parsing server %q: empty host", desc)
	}

	if rest != "" {
		port, weight, hasWeight := strings.Cut(rest, ":")
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Server{}, fmt.Errorf("parsing server %q: invalid port %q", desc, port)
		}
		s.Port = p
		if hasWeight {
			w, err := strconv.Atoi(weight)
			if err != nil || w <= 0 {
				return Server{}, fmt.Errorf("parsing server %q: invalid weight %q", desc, weight)
			}
			s.Weight = w
		}
	}
	return s, nil
}

// sameServers reports whether two lists name the same servers, ignoring order.
func sameServers(a, b []Server) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := serverStrings(a), serverStrings(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func serverStrings(servers []Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.String()
	}
	sort.Strings(out)
	return out
}

type ringPoint struct {
	hash uint64
	addr string
}

// ring is a weighted consistent hash ring over server addresses.
type ring struct {
	points []ringPoint
}

func newRing(servers []Server) *ring {
	r := &ring{}
	for _, s := range servers {
		for i := 0; i < s.Weight*ringPoints; i++ {
			h := pagecache.HashString(s.Addr() + "-" + strconv.Itoa(i)).Uint64()
			r.points = append(r.points, ringPoint{hash: h, addr: s.Addr()})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].addr < r.points[j].addr
	})
	return r
}

// pick returns the address owning key, or "" for an empty ring.
func (r *ring) pick(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := pagecache.HashString(key).Uint64()
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].addr
}
