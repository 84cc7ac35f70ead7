package registry

import (
	"time"
)

// Strategy identifies a rate limiting algorithm.
type Strategy string

const (
	StrategyFixedWindow   Strategy = "fixed"
	StrategySlidingWindow Strategy = "sliding"
	StrategyTokenBucket   Strategy = "token_bucket"
)

// CORSPolicy describes the CORS behavior advertised for a route.
type CORSPolicy struct {
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials"`
}

// Route is a registered endpoint, keyed by (method, path).
type Route struct {
	Method          string      `json:"method" yaml:"method"`
	Path            string      `json:"path" yaml:"path"`
	Handler         string      `json:"handler" yaml:"handler"`
	Middleware      []string    `json:"middleware,omitempty" yaml:"middleware"`
	RateLimitRuleID string      `json:"rate_limit_rule_id,omitempty" yaml:"rate_limit_rule_id"`
	RequiresAuth    bool        `json:"requires_auth" yaml:"requires_auth"`
	Scopes          []string    `json:"scopes,omitempty" yaml:"scopes"`
	CORS            *CORSPolicy `json:"cors,omitempty" yaml:"cors"`
}

// RateLimitRule describes one admission budget. Scope patterns use "*"
// to match any method or path; they are consulted for introspection,
// while route binding goes through Route.RateLimitRuleID.
type RateLimitRule struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	EndpointPattern string        `json:"endpoint_pattern" yaml:"endpoint_pattern"`
	MethodPattern   string        `json:"method_pattern" yaml:"method_pattern"`
	Limit           int           `json:"limit" yaml:"limit"`
	Window          time.Duration `json:"window" yaml:"window"`
	Strategy        Strategy      `json:"strategy" yaml:"strategy"`
	Burst           int           `json:"burst,omitempty" yaml:"burst"`
	RefillRate      float64       `json:"refill_rate,omitempty" yaml:"refill_rate"`
}

// Matches reports whether the rule's scope covers the given method and path.
func (r *RateLimitRule) Matches(method, path string) bool {
	if r.MethodPattern != "*" && r.MethodPattern != method {
		return false
	}

	return r.EndpointPattern == "*" || r.EndpointPattern == path
}

// BurstSize returns the effective token bucket capacity.
func (r *RateLimitRule) BurstSize() int {
	if r.Burst > 0 {
		return r.Burst
	}

	return r.Limit
}

// APIKey is a caller credential. The opaque Key string is the lookup key.
type APIKey struct {
	ID               string     `json:"id" yaml:"id"`
	Key              string     `json:"-" yaml:"key"`
	Name             string     `json:"name" yaml:"name"`
	UserID           string     `json:"user_id,omitempty" yaml:"user_id"`
	Permissions      []string   `json:"permissions,omitempty" yaml:"permissions"`
	RateLimitRuleIDs []string   `json:"rate_limit_rule_ids,omitempty" yaml:"rate_limit_rule_ids"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" yaml:"expires_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty" yaml:"-"`
	IsActive         bool       `json:"is_active" yaml:"is_active"`
}

// Expired reports whether the key's expiry is set and in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
