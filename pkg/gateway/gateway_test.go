package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testResolver binds a few well-known handler names used across the
// tests. Unknown names resolve to a trivial ok handler.
func testResolver() HandlerResolver {
	return HandlerResolverFunc(func(route *registry.Route) (Handler, error) {
		switch route.Handler {
		case "panic":
			return func(rctx *RequestContext, body any, query map[string]string) (*HandlerResponse, error) {
				panic("boom")
			}, nil
		case "fail":
			return func(rctx *RequestContext, body any, query map[string]string) (*HandlerResponse, error) {
				return nil, errors.New("backend unavailable")
			}, nil
		case "echo":
			return func(rctx *RequestContext, body any, query map[string]string) (*HandlerResponse, error) {
				return &HandlerResponse{
					Status:  200,
					Headers: map[string]string{"X-Handler": "echo"},
					Body:    map[string]any{"body": body, "query": query, "user_id": rctx.UserID},
				}, nil
			}, nil
		default:
			return func(rctx *RequestContext, body any, query map[string]string) (*HandlerResponse, error) {
				return &HandlerResponse{Status: 200, Body: map[string]any{"ok": true}}, nil
			}, nil
		}
	})
}

func newTestGateway(t *testing.T) Gateway {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return New(log, testResolver())
}

func headers(ip string) map[string]string {
	return map[string]string{"x-real-ip": ip}
}

func TestProcessRequestRouting(t *testing.T) {
	gw := newTestGateway(t)
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/ok", Handler: "echo"})

	t.Run("unknown route", func(t *testing.T) {
		resp := gw.ProcessRequest("GET", "/nope", headers("1.2.3.4"), nil, nil)
		require.Equal(t, 404, resp.Status)

		body, ok := resp.Body.(*ErrorBody)
		require.True(t, ok)
		assert.Equal(t, "Route not found", body.Error)
		assert.Equal(t, CodeRouteNotFound, body.Code)
		assert.NotEmpty(t, body.RequestID)
		assert.Equal(t, body.RequestID, resp.Headers["X-Request-ID"])
	})

	t.Run("method mismatch is not found", func(t *testing.T) {
		resp := gw.ProcessRequest("POST", "/ok", headers("1.2.3.4"), nil, nil)
		assert.Equal(t, 404, resp.Status)
	})

	t.Run("known route dispatches", func(t *testing.T) {
		resp := gw.ProcessRequest("GET", "/ok", headers("1.2.3.4"), map[string]any{"k": "v"}, map[string]string{"q": "1"})
		require.Equal(t, 200, resp.Status)
		assert.Equal(t, "echo", resp.Headers["X-Handler"])
		assert.NotEmpty(t, resp.Headers["X-Request-ID"])
		assert.NotNil(t, resp.Context)
		assert.Equal(t, "1.2.3.4", resp.Context.ClientIP)
	})

	t.Run("method is case insensitive", func(t *testing.T) {
		resp := gw.ProcessRequest("get", "/ok", headers("1.2.3.4"), nil, nil)
		assert.Equal(t, 200, resp.Status)
	})
}

func TestProcessRequestAuthentication(t *testing.T) {
	gw := newTestGateway(t)
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/private", Handler: "echo", RequiresAuth: true})
	gw.RegisterAPIKey(&registry.APIKey{ID: "k1", Key: "secret", UserID: "u1", IsActive: true})

	t.Run("missing key", func(t *testing.T) {
		resp := gw.ProcessRequest("GET", "/private", headers("1.2.3.4"), nil, nil)
		require.Equal(t, 401, resp.Status)

		body := resp.Body.(*ErrorBody)
		assert.Equal(t, "API key required", body.Error)
		assert.Equal(t, CodeUnauthorized, body.Code)
	})

	t.Run("invalid key", func(t *testing.T) {
		h := headers("1.2.3.4")
		h["x-api-key"] = "wrong"

		resp := gw.ProcessRequest("GET", "/private", h, nil, nil)
		require.Equal(t, 401, resp.Status)
		assert.Equal(t, "Invalid API key", resp.Body.(*ErrorBody).Error)
	})

	t.Run("expired key", func(t *testing.T) {
		past := time.Now().Add(-time.Minute)
		gw.RegisterAPIKey(&registry.APIKey{ID: "k2", Key: "old", IsActive: true, ExpiresAt: &past})

		h := headers("1.2.3.4")
		h["x-api-key"] = "old"

		resp := gw.ProcessRequest("GET", "/private", h, nil, nil)
		require.Equal(t, 401, resp.Status)
		assert.Equal(t, "API key expired", resp.Body.(*ErrorBody).Error)
	})

	t.Run("valid key resolves identity", func(t *testing.T) {
		h := headers("1.2.3.4")
		h["X-API-Key"] = "secret"

		resp := gw.ProcessRequest("GET", "/private", h, nil, nil)
		require.Equal(t, 200, resp.Status)
		assert.Equal(t, "u1", resp.Context.UserID)
		assert.Equal(t, "secret", resp.Context.ClientIdentity())
	})
}

func TestProcessRequestFixedWindowSequence(t *testing.T) {
	gw := newTestGateway(t)

	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID:       "two-per-second",
		Limit:    2,
		Window:   time.Second,
		Strategy: registry.StrategyFixedWindow,
	}))
	gw.RegisterRoute(&registry.Route{
		Method: "GET", Path: "/limited", Handler: "echo", RateLimitRuleID: "two-per-second",
	})

	h := headers("10.0.0.1")

	first := gw.ProcessRequest("GET", "/limited", h, nil, nil)
	require.Equal(t, 200, first.Status)
	assert.Equal(t, "2", first.Headers["X-RateLimit-Limit"])
	assert.Equal(t, "1", first.Headers["X-RateLimit-Remaining"])
	assert.NotEmpty(t, first.Headers["X-RateLimit-Reset"])

	second := gw.ProcessRequest("GET", "/limited", h, nil, nil)
	require.Equal(t, 200, second.Status)
	assert.Equal(t, "0", second.Headers["X-RateLimit-Remaining"])

	third := gw.ProcessRequest("GET", "/limited", h, nil, nil)
	require.Equal(t, 429, third.Status)
	assert.Equal(t, "Rate limit exceeded", third.Body.(*ErrorBody).Error)
	assert.Equal(t, "0", third.Headers["X-RateLimit-Remaining"])

	retryMS, err := strconv.ParseInt(third.Headers["Retry-After"], 10, 64)
	require.NoError(t, err)
	assert.Greater(t, retryMS, int64(0))
	assert.LessOrEqual(t, retryMS, int64(1000))

	// A different client is unaffected.
	other := gw.ProcessRequest("GET", "/limited", headers("10.0.0.2"), nil, nil)
	assert.Equal(t, 200, other.Status)
}

func TestProcessRequestTokenBucketRecovers(t *testing.T) {
	gw := newTestGateway(t)

	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID:         "single-burst",
		Limit:      1,
		Window:     time.Second,
		Strategy:   registry.StrategyTokenBucket,
		Burst:      1,
		RefillRate: 1.0,
	}))
	gw.RegisterRoute(&registry.Route{
		Method: "POST", Path: "/burst", Handler: "echo", RateLimitRuleID: "single-burst",
	})

	h := headers("10.0.0.3")

	require.Equal(t, 200, gw.ProcessRequest("POST", "/burst", h, nil, nil).Status)
	require.Equal(t, 429, gw.ProcessRequest("POST", "/burst", h, nil, nil).Status)

	// One token refills per second.
	time.Sleep(1100 * time.Millisecond)

	assert.Equal(t, 200, gw.ProcessRequest("POST", "/burst", h, nil, nil).Status)
}

func TestProcessRequestKeyAttachedRules(t *testing.T) {
	gw := newTestGateway(t)

	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID: "route-rule", Limit: 100, Window: time.Minute, Strategy: registry.StrategyFixedWindow,
	}))
	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID: "key-rule", Limit: 1, Window: time.Minute, Strategy: registry.StrategyFixedWindow,
	}))

	gw.RegisterRoute(&registry.Route{
		Method: "GET", Path: "/both", Handler: "echo",
		RequiresAuth: true, RateLimitRuleID: "route-rule",
	})
	gw.RegisterAPIKey(&registry.APIKey{
		ID: "k1", Key: "tight", IsActive: true,
		RateLimitRuleIDs: []string{"key-rule"},
	})

	h := headers("1.2.3.4")
	h["x-api-key"] = "tight"

	// The key's own rule is the binding constraint.
	require.Equal(t, 200, gw.ProcessRequest("GET", "/both", h, nil, nil).Status)

	resp := gw.ProcessRequest("GET", "/both", h, nil, nil)
	require.Equal(t, 429, resp.Status)
	assert.Equal(t, "1", resp.Headers["X-RateLimit-Limit"])
}

func TestProcessRequestDanglingRuleIsUnlimited(t *testing.T) {
	gw := newTestGateway(t)
	gw.RegisterRoute(&registry.Route{
		Method: "GET", Path: "/dangling", Handler: "echo", RateLimitRuleID: "never-registered",
	})

	for i := 0; i < 5; i++ {
		resp := gw.ProcessRequest("GET", "/dangling", headers("1.2.3.4"), nil, nil)
		assert.Equal(t, 200, resp.Status)
		assert.Empty(t, resp.Headers["X-RateLimit-Limit"])
	}
}

func TestProcessRequestHandlerFailures(t *testing.T) {
	gw := newTestGateway(t)
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/panics", Handler: "panic"})
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/fails", Handler: "fail"})

	t.Run("panicking handler becomes 500", func(t *testing.T) {
		resp := gw.ProcessRequest("GET", "/panics", headers("1.2.3.4"), nil, nil)
		require.Equal(t, 500, resp.Status)

		body := resp.Body.(*ErrorBody)
		assert.Equal(t, "Internal server error", body.Error)
		assert.Equal(t, CodeInternal, body.Code)
	})

	t.Run("erroring handler becomes 500", func(t *testing.T) {
		resp := gw.ProcessRequest("GET", "/fails", headers("1.2.3.4"), nil, nil)
		assert.Equal(t, 500, resp.Status)
	})

	t.Run("nil resolver becomes 500", func(t *testing.T) {
		log := logrus.New()
		log.SetLevel(logrus.PanicLevel)

		bare := New(log, nil)
		bare.RegisterRoute(&registry.Route{Method: "GET", Path: "/x", Handler: "x"})

		resp := bare.ProcessRequest("GET", "/x", headers("1.2.3.4"), nil, nil)
		assert.Equal(t, 500, resp.Status)
	})
}

func TestClientIdentityDerivation(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded-for single", map[string]string{"x-forwarded-for": "9.9.9.9"}, "9.9.9.9"},
		{"forwarded-for chain uses first hop", map[string]string{"x-forwarded-for": "9.9.9.9, 10.0.0.1"}, "9.9.9.9"},
		{"real-ip fallback", map[string]string{"x-real-ip": "8.8.8.8"}, "8.8.8.8"},
		{"forwarded-for wins over real-ip", map[string]string{"x-forwarded-for": "9.9.9.9", "x-real-ip": "8.8.8.8"}, "9.9.9.9"},
		{"nothing", map[string]string{}, "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clientIP(tc.headers))
		})
	}
}

func TestTraceIDPropagation(t *testing.T) {
	gw := newTestGateway(t)
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/ok", Handler: "echo"})

	h := headers("1.2.3.4")
	h["X-Trace-ID"] = "trace-123"

	resp := gw.ProcessRequest("GET", "/ok", h, nil, nil)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "trace-123", resp.Context.TraceID)

	// Without the header a trace ID is generated.
	resp = gw.ProcessRequest("GET", "/ok", headers("1.2.3.4"), nil, nil)
	assert.NotEmpty(t, resp.Context.TraceID)
}

func TestEvents(t *testing.T) {
	gw := newTestGateway(t)
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/ok", Handler: "echo"})

	var (
		mu     sync.Mutex
		events []*Event
	)

	gw.SetEventCallback(func(ev *Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	gw.ProcessRequest("GET", "/ok", headers("1.2.3.4"), nil, nil)
	gw.ProcessRequest("GET", "/missing", headers("1.2.3.4"), nil, nil)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, events, 2)
	assert.Equal(t, OutcomeHandled, events[0].Outcome)
	assert.Equal(t, 200, events[0].Status)
	assert.Equal(t, "1.2.3.4", events[0].Client)
	assert.Equal(t, OutcomeNotFound, events[1].Outcome)
	assert.Equal(t, 404, events[1].Status)
}

func TestStats(t *testing.T) {
	gw := newTestGateway(t)

	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID: "r1", Limit: 5, Window: time.Minute, Strategy: registry.StrategyFixedWindow,
	}))
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/a", Handler: "echo", RateLimitRuleID: "r1"})
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/b", Handler: "echo"})
	gw.RegisterAPIKey(&registry.APIKey{ID: "k", Key: "s", IsActive: true})

	stats := gw.Stats()
	assert.Equal(t, 2, stats.Routes)
	assert.Equal(t, 1, stats.Rules)
	assert.Equal(t, 1, stats.APIKeys)
	assert.Equal(t, 0, stats.LimiterEntries)

	gw.ProcessRequest("GET", "/a", headers("1.2.3.4"), nil, nil)

	assert.Equal(t, 1, gw.Stats().LimiterEntries)
}

func TestRateLimitStatus(t *testing.T) {
	gw := newTestGateway(t)

	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID: "r1", Name: "one", Limit: 5, Window: time.Minute, Strategy: registry.StrategyFixedWindow,
	}))
	require.NoError(t, gw.RegisterRateLimitRule(&registry.RateLimitRule{
		ID: "r2", Name: "two", Limit: 3, Window: time.Minute, Strategy: registry.StrategySlidingWindow,
	}))
	gw.RegisterRoute(&registry.Route{Method: "GET", Path: "/a", Handler: "echo", RateLimitRuleID: "r1"})

	gw.ProcessRequest("GET", "/a", headers("7.7.7.7"), nil, nil)
	gw.ProcessRequest("GET", "/a", headers("7.7.7.7"), nil, nil)

	t.Run("single rule", func(t *testing.T) {
		statuses, err := gw.RateLimitStatus("7.7.7.7", "r1")
		require.NoError(t, err)
		require.Len(t, statuses, 1)

		assert.Equal(t, "r1", statuses[0].RuleID)
		assert.Equal(t, 5, statuses[0].Limit)
		assert.Equal(t, 2, statuses[0].Current)
		assert.Equal(t, 3, statuses[0].Remaining)
		assert.Greater(t, statuses[0].Reset, int64(0))
	})

	t.Run("all rules", func(t *testing.T) {
		statuses, err := gw.RateLimitStatus("7.7.7.7", "")
		require.NoError(t, err)
		assert.Len(t, statuses, 2)
	})

	t.Run("status does not consume quota", func(t *testing.T) {
		before, err := gw.RateLimitStatus("7.7.7.7", "r1")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := gw.RateLimitStatus("7.7.7.7", "r1")
			require.NoError(t, err)
		}

		after, err := gw.RateLimitStatus("7.7.7.7", "r1")
		require.NoError(t, err)
		assert.Equal(t, before[0].Remaining, after[0].Remaining)
	})

	t.Run("unknown rule", func(t *testing.T) {
		_, err := gw.RateLimitStatus("7.7.7.7", "missing")
		assert.Error(t, err)
	})
}

func TestLifecycle(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, gw.Start(ctx))
	require.NoError(t, gw.Stop())
}
