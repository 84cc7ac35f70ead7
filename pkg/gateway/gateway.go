// Package gateway is the request admission core: it matches inbound
// requests to registered routes, authenticates callers via API keys and
// enforces per-rule rate limits before dispatching to a handler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/auth"
	"github.com/ethpandaops/gatekeepoor/pkg/limiter"
	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Response headers produced by the dispatcher.
const (
	headerRequestID          = "X-Request-ID"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// Gateway is the single entry point for request admission.
type Gateway interface {
	// Lifecycle. Start launches the limiter's background sweep.
	Start(ctx context.Context) error
	Stop() error

	// ProcessRequest admits or rejects one inbound request. It never
	// returns an error; all failures become structured responses.
	ProcessRequest(method, path string, headers map[string]string, body any, query map[string]string) *Response

	// Registration, expected at configuration time.
	RegisterRoute(route *registry.Route)
	RegisterRateLimitRule(rule *registry.RateLimitRule) error
	RegisterAPIKey(key *registry.APIKey)

	// Introspection.
	Stats() *Stats
	RateLimitStatus(client, ruleID string) ([]RuleStatus, error)

	// SetEventCallback registers an observer invoked after every
	// processed request.
	SetEventCallback(fn func(*Event))
}

// gateway implements Gateway.
type gateway struct {
	log      logrus.FieldLogger
	reg      *registry.Registry
	engine   *limiter.Engine
	auth     auth.Service
	resolver HandlerResolver
	onEvent  func(*Event)
}

// Ensure gateway implements Gateway.
var _ Gateway = (*gateway)(nil)

// New creates a gateway. The resolver supplies executable handlers for
// registered routes; it may be nil, in which case every admitted
// request fails with an internal error.
func New(log logrus.FieldLogger, resolver HandlerResolver) Gateway {
	reg := registry.New(log)

	return &gateway{
		log:      log.WithField("component", "gateway"),
		reg:      reg,
		engine:   limiter.NewEngine(log),
		auth:     auth.NewService(log, reg),
		resolver: resolver,
	}
}

// Start implements Gateway.
func (g *gateway) Start(ctx context.Context) error {
	g.log.Info("Starting gateway")

	return g.engine.Start(ctx)
}

// Stop implements Gateway.
func (g *gateway) Stop() error {
	g.log.Info("Stopping gateway")

	return g.engine.Stop()
}

// RegisterRoute implements Gateway.
func (g *gateway) RegisterRoute(route *registry.Route) {
	g.reg.RegisterRoute(route)
}

// RegisterRateLimitRule implements Gateway.
func (g *gateway) RegisterRateLimitRule(rule *registry.RateLimitRule) error {
	return g.reg.RegisterRateLimitRule(rule)
}

// RegisterAPIKey implements Gateway.
func (g *gateway) RegisterAPIKey(key *registry.APIKey) {
	g.reg.RegisterAPIKey(key)
}

// SetEventCallback implements Gateway.
func (g *gateway) SetEventCallback(fn func(*Event)) {
	g.onEvent = fn
}

// ProcessRequest implements Gateway. Sequence: route lookup, then
// authentication, then rate limiting, then handler dispatch. Admission
// decisions are committed before the handler runs, so an abandoned
// handler never leaves limiter or key state inconsistent.
func (g *gateway) ProcessRequest(method, path string, headers map[string]string, body any, query map[string]string) *Response {
	headers = normalizeHeaders(headers)
	rctx := g.newRequestContext(method, path, headers)

	// Route lookup: exact (method, path) match only.
	route, ok := g.reg.FindRoute(method, path)
	if !ok {
		return g.finish(rctx, nil, errorResponse(rctx, http.StatusNotFound, CodeRouteNotFound, "Route not found"), OutcomeNotFound, "")
	}

	// Authentication.
	key, err := g.auth.Authenticate(route, headers)
	if err != nil {
		return g.finish(rctx, route, errorResponse(rctx, http.StatusUnauthorized, CodeUnauthorized, err.Error()), OutcomeUnauthorized, "")
	}

	if key != nil {
		rctx.APIKey = key.Key
		rctx.UserID = key.UserID
	}

	// Rate limiting: the route's rule first, then any rules attached
	// to the authenticated key. All must admit.
	client := rctx.ClientIdentity()

	var admitted *limiter.Result

	for _, rule := range g.applicableRules(route, key) {
		res := g.engine.Check(rule, client)
		if !res.Allowed {
			resp := errorResponse(rctx, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
			applyRateLimitHeaders(resp.Headers, &res)

			return g.finish(rctx, route, resp, OutcomeRateLimited, rule.ID)
		}

		if admitted == nil {
			admitted = &res
		}
	}

	// Handler dispatch.
	hres, err := g.invokeHandler(route, rctx, body, query)
	if err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{
			"request_id": rctx.RequestID,
			"method":     method,
			"path":       path,
		}).Error("Handler invocation failed")

		resp := errorResponse(rctx, http.StatusInternalServerError, CodeInternal, "Internal server error")
		if admitted != nil {
			applyRateLimitHeaders(resp.Headers, admitted)
		}

		return g.finish(rctx, route, resp, OutcomeError, route.RateLimitRuleID)
	}

	// Response assembly: handler headers merged with admission headers.
	respHeaders := make(map[string]string, len(hres.Headers)+4)
	for k, v := range hres.Headers {
		respHeaders[k] = v
	}

	respHeaders[headerRequestID] = rctx.RequestID

	if admitted != nil {
		applyRateLimitHeaders(respHeaders, admitted)
	}

	status := hres.Status
	if status == 0 {
		status = http.StatusOK
	}

	resp := &Response{
		Status:  status,
		Headers: respHeaders,
		Body:    hres.Body,
		Context: rctx,
	}

	return g.finish(rctx, route, resp, OutcomeHandled, route.RateLimitRuleID)
}

// applicableRules collects the rules the request must pass, route rule
// first, then key-attached rules, skipping duplicates and dangling IDs.
func (g *gateway) applicableRules(route *registry.Route, key *registry.APIKey) []*registry.RateLimitRule {
	var rules []*registry.RateLimitRule

	seen := make(map[string]bool, 2)

	if route.RateLimitRuleID != "" {
		if rule, ok := g.reg.Rule(route.RateLimitRuleID); ok {
			rules = append(rules, rule)
			seen[rule.ID] = true
		} else {
			g.log.WithFields(logrus.Fields{
				"rule":   route.RateLimitRuleID,
				"method": route.Method,
				"path":   route.Path,
			}).Warn("Route references unknown rate limit rule, treating as unlimited")
		}
	}

	if key != nil {
		for _, id := range key.RateLimitRuleIDs {
			if seen[id] {
				continue
			}

			if rule, ok := g.reg.Rule(id); ok {
				rules = append(rules, rule)
				seen[id] = true
			}
		}
	}

	return rules
}

// invokeHandler resolves and runs the route's handler, converting
// panics into errors so raw failures never propagate to the caller.
func (g *gateway) invokeHandler(route *registry.Route, rctx *RequestContext, body any, query map[string]string) (hres *HandlerResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			hres = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if g.resolver == nil {
		return nil, errors.New("no handler resolver configured")
	}

	handler, err := g.resolver.Resolve(route)
	if err != nil {
		return nil, fmt.Errorf("resolving handler %q: %w", route.Handler, err)
	}

	hres, err = handler(rctx, body, query)
	if err != nil {
		return nil, fmt.Errorf("executing handler %q: %w", route.Handler, err)
	}

	if hres == nil {
		return nil, fmt.Errorf("handler %q returned no response", route.Handler)
	}

	return hres, nil
}

// finish emits the request event and returns the response.
func (g *gateway) finish(rctx *RequestContext, route *registry.Route, resp *Response, outcome EventOutcome, ruleID string) *Response {
	if g.onEvent != nil {
		g.onEvent(&Event{
			RequestID: rctx.RequestID,
			Method:    rctx.Method,
			Path:      rctx.Path,
			Client:    rctx.ClientIdentity(),
			Status:    resp.Status,
			Outcome:   outcome,
			RuleID:    ruleID,
			Duration:  time.Since(rctx.StartTime),
		})
	}

	return resp
}

// newRequestContext populates the per-request state from the inbound
// headers. The trace ID is propagated from x-trace-id when present.
func (g *gateway) newRequestContext(method, path string, headers map[string]string) *RequestContext {
	traceID := headers["x-trace-id"]
	if traceID == "" {
		traceID = uuid.New().String()
	}

	return &RequestContext{
		RequestID: uuid.New().String(),
		StartTime: time.Now(),
		Method:    strings.ToUpper(method),
		Path:      path,
		ClientIP:  clientIP(headers),
		UserAgent: headers["user-agent"],
		TraceID:   traceID,
	}
}

// clientIP derives the caller's address from forwarding headers. The
// serving layer is expected to set x-real-ip from the socket address.
func clientIP(headers map[string]string) string {
	if xff := headers["x-forwarded-for"]; xff != "" {
		// First hop is the original client.
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	if ip := headers["x-real-ip"]; ip != "" {
		return ip
	}

	return "unknown"
}

// normalizeHeaders lowercases header names so lookups are
// case-insensitive regardless of the transport.
func normalizeHeaders(headers map[string]string) map[string]string {
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		normalized[strings.ToLower(k)] = v
	}

	return normalized
}

// applyRateLimitHeaders writes the admission quota headers. Reset is
// epoch milliseconds; Retry-After is milliseconds and only set on
// rejections.
func applyRateLimitHeaders(headers map[string]string, res *limiter.Result) {
	headers[headerRateLimitLimit] = strconv.Itoa(res.Limit)
	headers[headerRateLimitRemaining] = strconv.Itoa(res.Remaining)
	headers[headerRateLimitReset] = strconv.FormatInt(res.ResetTime.UnixMilli(), 10)

	if !res.Allowed {
		ms := res.RetryAfter.Milliseconds()
		if ms == 0 && res.RetryAfter > 0 {
			ms = 1
		}

		headers[headerRetryAfter] = strconv.FormatInt(ms, 10)
	}
}
