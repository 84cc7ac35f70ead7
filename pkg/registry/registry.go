// Package registry holds the gateway's routes, rate limit rules and API
// keys. Registrations are rare (startup and admin calls) relative to
// per-request lookups, so a single RWMutex over plain maps is enough.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ValidationError reports a malformed record at registration time.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

type routeKey struct {
	method string
	path   string
}

// Registry is the thread-safe store for routes, rules and keys.
type Registry struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	routes map[routeKey]*Route
	rules  map[string]*RateLimitRule
	keys   map[string]*APIKey
}

// New creates an empty registry.
func New(log logrus.FieldLogger) *Registry {
	return &Registry{
		log:    log.WithField("component", "registry"),
		routes: make(map[routeKey]*Route),
		rules:  make(map[string]*RateLimitRule),
		keys:   make(map[string]*APIKey),
	}
}

// RegisterRoute inserts or overwrites a route by (method, path).
// Last write wins; registration never fails.
func (r *Registry) RegisterRoute(route *Route) {
	route.Method = strings.ToUpper(route.Method)

	r.mu.Lock()
	r.routes[routeKey{method: route.Method, path: route.Path}] = route
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"method": route.Method,
		"path":   route.Path,
	}).Debug("Registered route")
}

// RegisterRateLimitRule inserts or overwrites a rule by ID after
// validating its parameters.
func (r *Registry) RegisterRateLimitRule(rule *RateLimitRule) error {
	if rule.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}

	if rule.Limit <= 0 {
		return &ValidationError{Field: "limit", Reason: "must be greater than zero"}
	}

	if rule.Window <= 0 {
		return &ValidationError{Field: "window", Reason: "must be greater than zero"}
	}

	switch rule.Strategy {
	case StrategyFixedWindow, StrategySlidingWindow:
	case StrategyTokenBucket:
		if rule.RefillRate <= 0 {
			return &ValidationError{Field: "refill_rate", Reason: "must be greater than zero for token_bucket"}
		}
	default:
		return &ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", rule.Strategy)}
	}

	if rule.MethodPattern == "" {
		rule.MethodPattern = "*"
	}

	if rule.EndpointPattern == "" {
		rule.EndpointPattern = "*"
	}

	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"rule":     rule.ID,
		"strategy": rule.Strategy,
		"limit":    rule.Limit,
		"window":   rule.Window,
	}).Debug("Registered rate limit rule")

	return nil
}

// RegisterAPIKey inserts or overwrites a key by its secret string.
func (r *Registry) RegisterAPIKey(key *APIKey) {
	r.mu.Lock()
	r.keys[key.Key] = key
	r.mu.Unlock()

	r.log.WithField("key_id", key.ID).Debug("Registered API key")
}

// FindRoute looks up a route by exact (method, path) match.
func (r *Registry) FindRoute(method, path string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[routeKey{method: strings.ToUpper(method), path: path}]

	return route, ok
}

// Rule looks up a rate limit rule by ID.
func (r *Registry) Rule(id string) (*RateLimitRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]

	return rule, ok
}

// FindAPIKey looks up a key by its secret string. The returned record is
// a copy so callers never observe concurrent LastUsedAt updates mid-read.
func (r *Registry) FindAPIKey(secret string) (*APIKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[secret]
	if !ok {
		return nil, false
	}

	cp := *key

	return &cp, true
}

// TouchAPIKey updates the key's last-used timestamp. Best effort,
// last writer wins.
func (r *Registry) TouchAPIKey(secret string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[secret]; ok {
		t := now
		key.LastUsedAt = &t
	}
}

// Routes returns a snapshot of all registered routes.
func (r *Registry) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}

	return routes
}

// Rules returns a snapshot of all registered rules.
func (r *Registry) Rules() []*RateLimitRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*RateLimitRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}

	return rules
}

// MatchingRules returns the rules whose scope patterns cover the given
// method and path.
func (r *Registry) MatchingRules(method, path string) []*RateLimitRule {
	method = strings.ToUpper(method)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*RateLimitRule

	for _, rule := range r.rules {
		if rule.Matches(method, path) {
			matched = append(matched, rule)
		}
	}

	return matched
}

// RouteCount returns the number of registered routes.
func (r *Registry) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.routes)
}

// RuleCount returns the number of registered rules.
func (r *Registry) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rules)
}

// KeyCount returns the number of registered API keys.
func (r *Registry) KeyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.keys)
}
