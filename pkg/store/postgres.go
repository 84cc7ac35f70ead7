package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	log logrus.FieldLogger
	dsn string
	db  *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(log logrus.FieldLogger, dsn string) Store {
	return &PostgresStore{
		log: log.WithField("component", "store"),
		dsn: dsn,
	}
}

// Start opens the database connection.
func (s *PostgresStore) Start(ctx context.Context) error {
	s.log.Info("Opening PostgreSQL database")

	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Test connection.
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *PostgresStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.log.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS routes (
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			handler TEXT NOT NULL,
			middleware TEXT,
			rate_limit_rule_id TEXT,
			requires_auth BOOLEAN DEFAULT FALSE,
			scopes TEXT,
			cors TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (method, path)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_rules (
			id TEXT PRIMARY KEY,
			name TEXT,
			endpoint_pattern TEXT NOT NULL DEFAULT '*',
			method_pattern TEXT NOT NULL DEFAULT '*',
			request_limit INTEGER NOT NULL,
			window_ms BIGINT NOT NULL,
			strategy TEXT NOT NULL,
			burst INTEGER DEFAULT 0,
			refill_rate DOUBLE PRECISION DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT,
			user_id TEXT,
			permissions TEXT,
			rate_limit_rule_ids TEXT,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			is_active BOOLEAN DEFAULT TRUE,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_id ON api_keys(id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}

	return nil
}

// UpsertRoute inserts or replaces a route.
func (s *PostgresStore) UpsertRoute(ctx context.Context, route *registry.Route) error {
	middleware, err := json.Marshal(route.Middleware)
	if err != nil {
		return fmt.Errorf("marshaling middleware: %w", err)
	}

	scopes, err := json.Marshal(route.Scopes)
	if err != nil {
		return fmt.Errorf("marshaling scopes: %w", err)
	}

	cors, err := json.Marshal(route.CORS)
	if err != nil {
		return fmt.Errorf("marshaling cors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routes
			(method, path, handler, middleware, rate_limit_rule_id, requires_auth, scopes, cors, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (method, path) DO UPDATE SET
			handler = EXCLUDED.handler,
			middleware = EXCLUDED.middleware,
			rate_limit_rule_id = EXCLUDED.rate_limit_rule_id,
			requires_auth = EXCLUDED.requires_auth,
			scopes = EXCLUDED.scopes,
			cors = EXCLUDED.cors,
			updated_at = EXCLUDED.updated_at
	`, route.Method, route.Path, route.Handler, string(middleware),
		route.RateLimitRuleID, route.RequiresAuth, string(scopes), string(cors), time.Now())

	if err != nil {
		return fmt.Errorf("upserting route: %w", err)
	}

	return nil
}

// ListRoutes returns all persisted routes.
func (s *PostgresStore) ListRoutes(ctx context.Context) ([]*registry.Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT method, path, handler, middleware, rate_limit_rule_id, requires_auth, scopes, cors
		FROM routes
	`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	var routes []*registry.Route

	for rows.Next() {
		var (
			route                    registry.Route
			middleware, scopes, cors string
		)

		if err := rows.Scan(&route.Method, &route.Path, &route.Handler, &middleware,
			&route.RateLimitRuleID, &route.RequiresAuth, &scopes, &cors); err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}

		if err := unmarshalRouteFields(&route, middleware, scopes, cors); err != nil {
			return nil, err
		}

		routes = append(routes, &route)
	}

	return routes, rows.Err()
}

// UpsertRule inserts or replaces a rate limit rule.
func (s *PostgresStore) UpsertRule(ctx context.Context, rule *registry.RateLimitRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_rules
			(id, name, endpoint_pattern, method_pattern, request_limit, window_ms, strategy, burst, refill_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			endpoint_pattern = EXCLUDED.endpoint_pattern,
			method_pattern = EXCLUDED.method_pattern,
			request_limit = EXCLUDED.request_limit,
			window_ms = EXCLUDED.window_ms,
			strategy = EXCLUDED.strategy,
			burst = EXCLUDED.burst,
			refill_rate = EXCLUDED.refill_rate,
			updated_at = EXCLUDED.updated_at
	`, rule.ID, rule.Name, rule.EndpointPattern, rule.MethodPattern, rule.Limit,
		rule.Window.Milliseconds(), string(rule.Strategy), rule.Burst, rule.RefillRate, time.Now())

	if err != nil {
		return fmt.Errorf("upserting rule: %w", err)
	}

	return nil
}

// ListRules returns all persisted rate limit rules.
func (s *PostgresStore) ListRules(ctx context.Context) ([]*registry.RateLimitRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, endpoint_pattern, method_pattern, request_limit, window_ms, strategy, burst, refill_rate
		FROM rate_limit_rules
	`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []*registry.RateLimitRule

	for rows.Next() {
		var (
			rule     registry.RateLimitRule
			windowMS int64
			strategy string
		)

		if err := rows.Scan(&rule.ID, &rule.Name, &rule.EndpointPattern, &rule.MethodPattern,
			&rule.Limit, &windowMS, &strategy, &rule.Burst, &rule.RefillRate); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}

		rule.Window = time.Duration(windowMS) * time.Millisecond
		rule.Strategy = registry.Strategy(strategy)

		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// UpsertAPIKey inserts or replaces an API key.
func (s *PostgresStore) UpsertAPIKey(ctx context.Context, key *registry.APIKey) error {
	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("marshaling permissions: %w", err)
	}

	ruleIDs, err := json.Marshal(key.RateLimitRuleIDs)
	if err != nil {
		return fmt.Errorf("marshaling rule ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(key, id, name, user_id, permissions, rate_limit_rule_ids, expires_at, last_used_at, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			id = EXCLUDED.id,
			name = EXCLUDED.name,
			user_id = EXCLUDED.user_id,
			permissions = EXCLUDED.permissions,
			rate_limit_rule_ids = EXCLUDED.rate_limit_rule_ids,
			expires_at = EXCLUDED.expires_at,
			last_used_at = EXCLUDED.last_used_at,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, key.Key, key.ID, key.Name, key.UserID, string(permissions), string(ruleIDs),
		key.ExpiresAt, key.LastUsedAt, key.IsActive, time.Now())

	if err != nil {
		return fmt.Errorf("upserting api key: %w", err)
	}

	return nil
}

// ListAPIKeys returns all persisted API keys.
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*registry.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, id, name, user_id, permissions, rate_limit_rule_ids, expires_at, last_used_at, is_active
		FROM api_keys
	`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var keys []*registry.APIKey

	for rows.Next() {
		var (
			key                  registry.APIKey
			permissions, ruleIDs string
		)

		if err := rows.Scan(&key.Key, &key.ID, &key.Name, &key.UserID, &permissions,
			&ruleIDs, &key.ExpiresAt, &key.LastUsedAt, &key.IsActive); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}

		if err := unmarshalKeyFields(&key, permissions, ruleIDs); err != nil {
			return nil, err
		}

		keys = append(keys, &key)
	}

	return keys, rows.Err()
}
