// Package config loads the gateway server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for gatekeepoor.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains the front-door per-IP limit protecting the
// admin and public endpoints. This is separate from the gateway's own
// per-rule admission control.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// DatabaseConfig contains registry persistence settings. The "memory"
// driver disables persistence entirely.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// GatewayConfig declares the routes, rules and keys registered at
// startup. When no routes are declared the server applies the built-in
// seed configuration instead.
type GatewayConfig struct {
	Routes []*registry.Route  `yaml:"routes"`
	Rules  []RuleConfig       `yaml:"rules"`
	Keys   []*registry.APIKey `yaml:"keys"`
}

// RuleConfig is the YAML shape of a rate limit rule. The window is
// declared in milliseconds.
type RuleConfig struct {
	ID              string  `yaml:"id"`
	Name            string  `yaml:"name"`
	EndpointPattern string  `yaml:"endpoint_pattern"`
	MethodPattern   string  `yaml:"method_pattern"`
	Limit           int     `yaml:"limit"`
	WindowMS        int64   `yaml:"window_ms"`
	Strategy        string  `yaml:"strategy"`
	Burst           int     `yaml:"burst"`
	RefillRate      float64 `yaml:"refill_rate"`
}

// Rule converts the YAML shape into a registry record.
func (c *RuleConfig) Rule() *registry.RateLimitRule {
	return &registry.RateLimitRule{
		ID:              c.ID,
		Name:            c.Name,
		EndpointPattern: c.EndpointPattern,
		MethodPattern:   c.MethodPattern,
		Limit:           c.Limit,
		Window:          time.Duration(c.WindowMS) * time.Millisecond,
		Strategy:        registry.Strategy(c.Strategy),
		Burst:           c.Burst,
		RefillRate:      c.RefillRate,
	}
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables.
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults.
	applyDefaults(&cfg)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} and $VAR patterns with environment variable values.
func expandEnvVars(s string) string {
	// Match ${VAR} pattern.
	re := regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		return match
	})

	// Match $VAR pattern (only at word boundaries).
	re = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[1:]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		return match
	})

	return s
}

// applyDefaults sets default values for unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}

	if cfg.Server.RateLimit.Enabled && cfg.Server.RateLimit.RequestsPerMinute == 0 {
		cfg.Server.RateLimit.RequestsPerMinute = 300
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}

	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = "./gatekeepoor.db"
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}

	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
}

// Validate checks the configuration for errors. Rule semantics are
// validated at registration so misconfiguration fails startup fast.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required when driver is sqlite")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required when driver is postgres")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	ruleIDs := make(map[string]bool, len(c.Gateway.Rules))

	for _, rule := range c.Gateway.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule id is required")
		}

		if ruleIDs[rule.ID] {
			return fmt.Errorf("duplicate rule id: %s", rule.ID)
		}

		ruleIDs[rule.ID] = true
	}

	for _, route := range c.Gateway.Routes {
		if route.Method == "" || route.Path == "" {
			return fmt.Errorf("route method and path are required")
		}

		if route.RateLimitRuleID != "" && !ruleIDs[route.RateLimitRuleID] {
			return fmt.Errorf("route %s %s references unknown rule: %s",
				route.Method, route.Path, route.RateLimitRuleID)
		}
	}

	for _, key := range c.Gateway.Keys {
		if key.Key == "" {
			return fmt.Errorf("api key %s: key secret is required", key.ID)
		}
	}

	return nil
}

// GetDSN returns the database connection string.
func (c *Config) GetDSN() string {
	switch c.Database.Driver {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}

// String returns a sanitized string representation of the config (no secrets).
func (c *Config) String() string {
	return fmt.Sprintf("Server: listen=%s\nDatabase: driver=%s\nGateway: routes=%d rules=%d keys=%d\n",
		c.Server.Listen, c.Database.Driver,
		len(c.Gateway.Routes), len(c.Gateway.Rules), len(c.Gateway.Keys))
}
