package gateway

import (
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
)

// ApplyDefaultSeed registers the illustrative default configuration:
// sliding window defaults for keyed and anonymous traffic, a token
// bucket guarding an expensive endpoint, a public health check and an
// authenticated example route. Deployments wiring configuration
// externally can skip it entirely.
func ApplyDefaultSeed(gw Gateway) error {
	rules := []*registry.RateLimitRule{
		{
			ID:              "api-key-default",
			Name:            "Default limit for API key clients",
			EndpointPattern: "*",
			MethodPattern:   "*",
			Limit:           1000,
			Window:          time.Minute,
			Strategy:        registry.StrategySlidingWindow,
		},
		{
			ID:              "ip-default",
			Name:            "Default limit for anonymous clients",
			EndpointPattern: "*",
			MethodPattern:   "*",
			Limit:           100,
			Window:          time.Minute,
			Strategy:        registry.StrategySlidingWindow,
		},
		{
			ID:              "expensive-endpoint",
			Name:            "Burst guard for the expensive endpoint",
			EndpointPattern: "/api/v1/expensive",
			MethodPattern:   "POST",
			Limit:           5,
			Window:          time.Minute,
			Strategy:        registry.StrategyTokenBucket,
			Burst:           5,
			RefillRate:      0.5,
		},
	}

	for _, rule := range rules {
		if err := gw.RegisterRateLimitRule(rule); err != nil {
			return err
		}
	}

	gw.RegisterRoute(&registry.Route{
		Method:  "GET",
		Path:    "/health",
		Handler: "health",
	})

	gw.RegisterRoute(&registry.Route{
		Method:          "GET",
		Path:            "/api/v1/example",
		Handler:         "example",
		RequiresAuth:    true,
		RateLimitRuleID: "api-key-default",
	})

	gw.RegisterRoute(&registry.Route{
		Method:          "POST",
		Path:            "/api/v1/expensive",
		Handler:         "expensive",
		RequiresAuth:    true,
		RateLimitRuleID: "expensive-endpoint",
	})

	return nil
}
