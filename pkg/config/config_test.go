package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "./gatekeepoor.db", cfg.Database.SQLite.Path)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen: ":9090"
  cors_origins: ["https://example.com"]
  rate_limit:
    enabled: true

database:
  driver: sqlite
  sqlite:
    path: /tmp/gk.db

gateway:
  rules:
    - id: default
      limit: 100
      window_ms: 60000
      strategy: sliding
  routes:
    - method: GET
      path: /api/v1/widgets
      handler: widgets
      requires_auth: true
      rate_limit_rule_id: default
  keys:
    - id: key-1
      key: secret-1
      user_id: u1
      is_active: true
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 300, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, "/tmp/gk.db", cfg.Database.SQLite.Path)

	require.Len(t, cfg.Gateway.Rules, 1)
	rule := cfg.Gateway.Rules[0].Rule()
	assert.Equal(t, time.Minute, rule.Window)
	assert.Equal(t, registry.StrategySlidingWindow, rule.Strategy)

	require.Len(t, cfg.Gateway.Routes, 1)
	assert.True(t, cfg.Gateway.Routes[0].RequiresAuth)

	require.Len(t, cfg.Gateway.Keys, 1)
	assert.Equal(t, "secret-1", cfg.Gateway.Keys[0].Key)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("GK_LISTEN", ":7070")
	t.Setenv("GK_DB_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, `
server:
  listen: "${GK_LISTEN}"

database:
  driver: postgres
  postgres:
    host: localhost
    database: gk
    password: $GK_DB_PASSWORD
`))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "hunter2", cfg.Database.Postgres.Password)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"unknown driver",
			"database:\n  driver: mongo\n",
			"unsupported database driver",
		},
		{
			"postgres without host",
			"database:\n  driver: postgres\n  postgres:\n    database: gk\n",
			"postgres.host is required",
		},
		{
			"postgres without database",
			"database:\n  driver: postgres\n  postgres:\n    host: localhost\n",
			"postgres.database is required",
		},
		{
			"rule without id",
			"gateway:\n  rules:\n    - limit: 1\n      window_ms: 1000\n      strategy: fixed\n",
			"rule id is required",
		},
		{
			"duplicate rule ids",
			"gateway:\n  rules:\n    - id: a\n      limit: 1\n      window_ms: 1000\n      strategy: fixed\n    - id: a\n      limit: 2\n      window_ms: 1000\n      strategy: fixed\n",
			"duplicate rule id",
		},
		{
			"route without method",
			"gateway:\n  routes:\n    - path: /x\n      handler: h\n",
			"route method and path are required",
		},
		{
			"route references unknown rule",
			"gateway:\n  routes:\n    - method: GET\n      path: /x\n      handler: h\n      rate_limit_rule_id: ghost\n",
			"references unknown rule",
		},
		{
			"key without secret",
			"gateway:\n  keys:\n    - id: k\n",
			"key secret is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Driver = "postgres"
	cfg.Database.Postgres = PostgresConfig{
		Host: "db", Port: 5432, User: "gk", Password: "pw", Database: "gkdb", SSLMode: "disable",
	}

	assert.Equal(t,
		"host=db port=5432 user=gk password=pw dbname=gkdb sslmode=disable",
		cfg.GetDSN())

	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = "/tmp/x.db"
	assert.Equal(t, "/tmp/x.db", cfg.GetDSN())

	cfg.Database.Driver = "memory"
	assert.Equal(t, "", cfg.GetDSN())
}

func TestStringOmitsSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Postgres.Password = "supersecret"
	cfg.Gateway.Keys = []*registry.APIKey{{ID: "k", Key: "topsecret"}}

	s := cfg.String()
	assert.NotContains(t, s, "supersecret")
	assert.NotContains(t, s, "topsecret")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
