package gateway

import (
	"fmt"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
)

// Stats is a read-only snapshot of the gateway's registered state.
type Stats struct {
	Routes         int `json:"routes"`
	Rules          int `json:"rules"`
	APIKeys        int `json:"api_keys"`
	LimiterEntries int `json:"limiter_entries"`
}

// RuleStatus reports a client's standing against one rule. Reset is
// epoch milliseconds.
type RuleStatus struct {
	RuleID    string `json:"rule_id"`
	RuleName  string `json:"rule_name,omitempty"`
	Strategy  string `json:"strategy"`
	Limit     int    `json:"limit"`
	Current   int    `json:"current"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`
}

// Stats implements Gateway.
func (g *gateway) Stats() *Stats {
	return &Stats{
		Routes:         g.reg.RouteCount(),
		Rules:          g.reg.RuleCount(),
		APIKeys:        g.reg.KeyCount(),
		LimiterEntries: g.engine.EntryCount(),
	}
}

// RateLimitStatus implements Gateway. With an empty ruleID it reports
// the client's standing against every registered rule; otherwise only
// the named rule. Querying never consumes quota.
func (g *gateway) RateLimitStatus(client, ruleID string) ([]RuleStatus, error) {
	rules := g.reg.Rules()

	if ruleID != "" {
		rule, ok := g.reg.Rule(ruleID)
		if !ok {
			return nil, fmt.Errorf("unknown rate limit rule: %s", ruleID)
		}

		rules = []*registry.RateLimitRule{rule}
	}

	statuses := make([]RuleStatus, 0, len(rules))

	for _, rule := range rules {
		res := g.engine.Peek(rule, client)

		statuses = append(statuses, RuleStatus{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Strategy:  string(rule.Strategy),
			Limit:     res.Limit,
			Current:   res.Limit - res.Remaining,
			Remaining: res.Remaining,
			Reset:     res.ResetTime.UnixMilli(),
		})
	}

	return statuses, nil
}
