package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := NewSQLiteStore(log, filepath.Join(t.TempDir(), "test.db"))

	ctx := context.Background()
	require.NoError(t, st.Start(ctx))
	require.NoError(t, st.Migrate(ctx))

	t.Cleanup(func() { _ = st.Stop() })

	return st
}

func TestSQLiteRoutes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	route := &registry.Route{
		Method:          "GET",
		Path:            "/api/v1/widgets",
		Handler:         "widgets",
		Middleware:      []string{"audit"},
		RateLimitRuleID: "basic",
		RequiresAuth:    true,
		Scopes:          []string{"read"},
		CORS: &registry.CORSPolicy{
			AllowedOrigins: []string{"*"},
		},
	}

	require.NoError(t, st.UpsertRoute(ctx, route))

	t.Run("roundtrip", func(t *testing.T) {
		routes, err := st.ListRoutes(ctx)
		require.NoError(t, err)
		require.Len(t, routes, 1)

		got := routes[0]
		assert.Equal(t, "widgets", got.Handler)
		assert.Equal(t, []string{"audit"}, got.Middleware)
		assert.Equal(t, []string{"read"}, got.Scopes)
		assert.True(t, got.RequiresAuth)
		require.NotNil(t, got.CORS)
		assert.Equal(t, []string{"*"}, got.CORS.AllowedOrigins)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		route.Handler = "widgets_v2"
		require.NoError(t, st.UpsertRoute(ctx, route))

		routes, err := st.ListRoutes(ctx)
		require.NoError(t, err)
		require.Len(t, routes, 1)
		assert.Equal(t, "widgets_v2", routes[0].Handler)
	})
}

func TestSQLiteRules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rule := &registry.RateLimitRule{
		ID:              "burst",
		Name:            "Burst guard",
		EndpointPattern: "/api/v1/expensive",
		MethodPattern:   "POST",
		Limit:           5,
		Window:          90 * time.Second,
		Strategy:        registry.StrategyTokenBucket,
		Burst:           5,
		RefillRate:      0.5,
	}

	require.NoError(t, st.UpsertRule(ctx, rule))

	rules, err := st.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	got := rules[0]
	assert.Equal(t, 90*time.Second, got.Window)
	assert.Equal(t, registry.StrategyTokenBucket, got.Strategy)
	assert.Equal(t, 0.5, got.RefillRate)
}

func TestSQLiteAPIKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	key := &registry.APIKey{
		ID:               "key-1",
		Key:              "secret-1",
		Name:             "ci",
		UserID:           "u1",
		Permissions:      []string{"read", "write"},
		RateLimitRuleIDs: []string{"burst"},
		ExpiresAt:        &expires,
		IsActive:         true,
	}

	require.NoError(t, st.UpsertAPIKey(ctx, key))

	keys, err := st.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	got := keys[0]
	assert.Equal(t, "secret-1", got.Key)
	assert.Equal(t, []string{"read", "write"}, got.Permissions)
	assert.Equal(t, []string{"burst"}, got.RateLimitRuleIDs)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, expires.Unix(), got.ExpiresAt.Unix())
}
