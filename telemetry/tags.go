// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// tenantKey is the context key for propagating the tenant to background work.
	tenantKey contextKey = "tenant"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheExpired CacheResult = "expired"
	CacheBypass  CacheResult = "bypass"
	CacheError   CacheResult = "error"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Tenant      string
	CacheResult CacheResult
	Key         string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with the cache middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetTenant sets the tenant tag for metrics and logging.
func SetTenant(r *http.Request, tenant string) {
	if tags := GetTags(r); tags != nil {
		tags.Tenant = tenant
	}
}

// SetKey sets the cache key for logging.
func SetKey(r *http.Request, key string) {
	if tags := GetTags(r); tags != nil {
		tags.Key = key
	}
}

// TenantFromContext retrieves the tenant from a context.
// It checks both background contexts (set by WithTenant) and
// request contexts (set by SetTenant via InjectTags).
func TenantFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok && t != "" {
		return t
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Tenant
	}
	return ""
}

// WithTenant returns a context with the tenant stored.
// Use this to label work that runs outside a request, such as invalidation.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}
