package pattern

import (
	"regexp"
	"sync"
)

// DefaultMemoSize bounds the number of compiled expressions a Compiler keeps.
const DefaultMemoSize = 512

// Compiler compiles pattern specs. Identical expressions share one compiled
// *regexp.Regexp. Safe for concurrent use.
type Compiler struct {
	mu    sync.Mutex
	memo  map[string]*regexp.Regexp
	order []string
	limit int

	ignoredParams []string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithMemoSize sets the maximum number of memoised expressions.
func WithMemoSize(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithIgnoredQueryParams sets the query parameters addressing drops, so a
// URL pattern with a query selects the key its request was stored under.
func WithIgnoredQueryParams(params []string) Option {
	return func(c *Compiler) {
		c.ignoredParams = append([]string(nil), params...)
	}
}

// NewCompiler creates a Compiler.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{limit: DefaultMemoSize}
	for _, opt := range opts {
		opt(c)
	}
	c.memo = make(map[string]*regexp.Regexp, c.limit)
	return c
}

// regex returns the compiled expression for src, compiling it on first use.
// The oldest expression is evicted once the memo is full.
func (c *Compiler) regex(src string) (*regexp.Regexp, error) {
	c.mu.Lock()
	re, ok := c.memo[src]
	c.mu.Unlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.memo[src]; ok {
		return existing, nil
	}
	if len(c.order) >= c.limit {
		delete(c.memo, c.order[0])
		c.order = c.order[1:]
	}
	c.memo[src] = re
	c.order = append(c.order, src)
	return re, nil
}

// Len returns the number of memoised expressions.
func (c *Compiler) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memo)
}
