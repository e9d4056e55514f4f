// Package config defines the Go types the edge cache's components are
// configured with. Loading these from disk (file watching, env overlay,
// format parsing) is an external collaborator per spec §1 — this package
// only holds the destination structs and a read-only origin lookup, the
// way cache-manager/service.go's Config and warming/service.go's Config
// shape runtime options in the teacher repo.
package config

import "time"

// Config is the root configuration, mirroring §6's schema keys.
type Config struct {
	Cache     CacheConfig
	Origins   OriginRegistry
	Breaker   BreakerConfig
	Coalesce  CoalesceConfig
	CDNName   string // used to render X-CDN / Via
}

// CacheConfig mirrors the cache.* keys of §6.
type CacheConfig struct {
	MaxSizeMB               int64
	MaxEntrySizeMB          int64
	DefaultTTLSecs          int
	MaxTTLSecs              int
	StaleWhileRevalidateSecs int
	RespectCacheControl     bool
	Hierarchy               HierarchyConfig
	Tags                    TagsConfig
}

// HierarchyConfig mirrors cache.hierarchy.*.
type HierarchyConfig struct {
	Enabled            bool
	L1SizePercent      float64
	PromotionThreshold int64
}

// TagsConfig mirrors cache.tags.*.
type TagsConfig struct {
	Enabled         bool
	MaxTagsPerEntry int
}

// BreakerConfig mirrors the circuit breaker schema of §6.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeoutSecs int
	SuccessThreshold int
}

// CoalesceConfig mirrors the coalesce schema of §6.
type CoalesceConfig struct {
	Enabled    bool
	MaxWaiters int
}

// Origin is one configured named upstream, mirroring the per-origin schema
// of §6 plus the health-probe fields recovered from original_source/health.rs
// (see SPEC_FULL.md §3).
type Origin struct {
	Name                   string
	URL                    string
	HostHeader             string
	TimeoutSecs            int
	MaxRetries             int
	Headers                map[string]string
	HealthCheckPath        string
	HealthCheckIntervalSecs int
	HealthCheckTimeoutSecs int

	// MaxRPS optionally caps outbound request rate to this origin
	// (domain-stack addition, SPEC_FULL.md §2) via golang.org/x/time/rate.
	// Zero means unlimited.
	MaxRPS float64
}

func (o Origin) Timeout() time.Duration   { return time.Duration(o.TimeoutSecs) * time.Second }
func (o Origin) HealthCheckInterval() time.Duration {
	return time.Duration(o.HealthCheckIntervalSecs) * time.Second
}
func (o Origin) HealthCheckTimeout() time.Duration {
	return time.Duration(o.HealthCheckTimeoutSecs) * time.Second
}

// OriginRegistry is a read-only-after-construction lookup by origin name,
// recovered from original_source/src/origin.rs (SPEC_FULL.md §3) — the
// distilled spec names the fields but not the registry type.
type OriginRegistry struct {
	byName map[string]Origin
	// names preserves configuration order so a single-origin registry can
	// report its one member for the "default form GET /{path}" route.
	names []string
}

// NewOriginRegistry builds a registry from an ordered list of origins.
func NewOriginRegistry(origins []Origin) OriginRegistry {
	reg := OriginRegistry{byName: make(map[string]Origin, len(origins))}
	for _, o := range origins {
		reg.byName[o.Name] = o
		reg.names = append(reg.names, o.Name)
	}
	return reg
}

// Lookup returns the named origin, or false if unknown.
func (r OriginRegistry) Lookup(name string) (Origin, bool) {
	o, ok := r.byName[name]
	return o, ok
}

// Sole returns the single configured origin and true when exactly one
// origin is configured — used for the default-form route of §6.
func (r OriginRegistry) Sole() (Origin, bool) {
	if len(r.names) != 1 {
		return Origin{}, false
	}
	return r.byName[r.names[0]], true
}

// Names returns the configured origin names in configuration order.
func (r OriginRegistry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
