package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	log  logrus.FieldLogger
	path string
	db   *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(log logrus.FieldLogger, path string) Store {
	return &SQLiteStore{
		log:  log.WithField("component", "store"),
		path: path,
	}
}

// Start opens the database connection.
func (s *SQLiteStore) Start(ctx context.Context) error {
	s.log.WithField("path", s.path).Info("Opening SQLite database")

	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on&_journal_mode=WAL")
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
func (s *SQLiteStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.log.Info("Running database migrations")

	migrations := []string{
		// Routes table, keyed by (method, path).
		`CREATE TABLE IF NOT EXISTS routes (
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			handler TEXT NOT NULL,
			middleware TEXT,
			rate_limit_rule_id TEXT,
			requires_auth INTEGER DEFAULT 0,
			scopes TEXT,
			cors TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (method, path)
		)`,
		// Rate limit rules table.
		`CREATE TABLE IF NOT EXISTS rate_limit_rules (
			id TEXT PRIMARY KEY,
			name TEXT,
			endpoint_pattern TEXT NOT NULL DEFAULT '*',
			method_pattern TEXT NOT NULL DEFAULT '*',
			request_limit INTEGER NOT NULL,
			window_ms INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			burst INTEGER DEFAULT 0,
			refill_rate REAL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		// API keys table, keyed by the opaque secret.
		`CREATE TABLE IF NOT EXISTS api_keys (
			key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT,
			user_id TEXT,
			permissions TEXT,
			rate_limit_rule_ids TEXT,
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			is_active INTEGER DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
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
func (s *SQLiteStore) UpsertRoute(ctx context.Context, route *registry.Route) error {
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
		INSERT OR REPLACE INTO routes
			(method, path, handler, middleware, rate_limit_rule_id, requires_auth, scopes, cors, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, route.Method, route.Path, route.Handler, string(middleware),
		route.RateLimitRuleID, route.RequiresAuth, string(scopes), string(cors), time.Now())

	if err != nil {
		return fmt.Errorf("upserting route: %w", err)
	}

	return nil
}

// ListRoutes returns all persisted routes.
func (s *SQLiteStore) ListRoutes(ctx context.Context) ([]*registry.Route, error) {
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
func (s *SQLiteStore) UpsertRule(ctx context.Context, rule *registry.RateLimitRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rate_limit_rules
			(id, name, endpoint_pattern, method_pattern, request_limit, window_ms, strategy, burst, refill_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.Name, rule.EndpointPattern, rule.MethodPattern, rule.Limit,
		rule.Window.Milliseconds(), string(rule.Strategy), rule.Burst, rule.RefillRate, time.Now())

	if err != nil {
		return fmt.Errorf("upserting rule: %w", err)
	}

	return nil
}

// ListRules returns all persisted rate limit rules.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]*registry.RateLimitRule, error) {
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
func (s *SQLiteStore) UpsertAPIKey(ctx context.Context, key *registry.APIKey) error {
	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("marshaling permissions: %w", err)
	}

	ruleIDs, err := json.Marshal(key.RateLimitRuleIDs)
	if err != nil {
		return fmt.Errorf("marshaling rule ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO api_keys
			(key, id, name, user_id, permissions, rate_limit_rule_ids, expires_at, last_used_at, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, key.Key, key.ID, key.Name, key.UserID, string(permissions), string(ruleIDs),
		key.ExpiresAt, key.LastUsedAt, key.IsActive, time.Now())

	if err != nil {
		return fmt.Errorf("upserting api key: %w", err)
	}

	return nil
}

// ListAPIKeys returns all persisted API keys.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*registry.APIKey, error) {
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

// unmarshalRouteFields decodes the JSON-encoded route columns.
func unmarshalRouteFields(route *registry.Route, middleware, scopes, cors string) error {
	if middleware != "" {
		if err := json.Unmarshal([]byte(middleware), &route.Middleware); err != nil {
			return fmt.Errorf("unmarshaling middleware: %w", err)
		}
	}

	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &route.Scopes); err != nil {
			return fmt.Errorf("unmarshaling scopes: %w", err)
		}
	}

	if cors != "" && cors != "null" {
		if err := json.Unmarshal([]byte(cors), &route.CORS); err != nil {
			return fmt.Errorf("unmarshaling cors: %w", err)
		}
	}

	return nil
}

// unmarshalKeyFields decodes the JSON-encoded API key columns.
func unmarshalKeyFields(key *registry.APIKey, permissions, ruleIDs string) error {
	if permissions != "" {
		if err := json.Unmarshal([]byte(permissions), &key.Permissions); err != nil {
			return fmt.Errorf("unmarshaling permissions: %w", err)
		}
	}

	if ruleIDs != "" {
		if err := json.Unmarshal([]byte(ruleIDs), &key.RateLimitRuleIDs); err != nil {
			return fmt.Errorf("unmarshaling rule ids: %w", err)
		}
	}

	return nil
}
