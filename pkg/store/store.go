// Package store persists the gateway registry (routes, rules, API keys)
// so registrations survive restarts. Limiter state is deliberately never
// persisted; only configuration-level records are.
package store

import (
	"context"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
)

// Store defines the interface for registry persistence.
type Store interface {
	// Lifecycle.
	Start(ctx context.Context) error
	Stop() error

	// Routes.
	UpsertRoute(ctx context.Context, route *registry.Route) error
	ListRoutes(ctx context.Context) ([]*registry.Route, error)

	// Rate limit rules.
	UpsertRule(ctx context.Context, rule *registry.RateLimitRule) error
	ListRules(ctx context.Context) ([]*registry.RateLimitRule, error)

	// API keys.
	UpsertAPIKey(ctx context.Context, key *registry.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*registry.APIKey, error)

	// Migrations.
	Migrate(ctx context.Context) error
}
