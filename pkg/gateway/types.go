package gateway

import (
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
)

// RequestContext is the ephemeral per-request state owned by a single
// ProcessRequest invocation. It is never persisted.
type RequestContext struct {
	RequestID string    `json:"request_id"`
	StartTime time.Time `json:"start_time"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent,omitempty"`
	TraceID   string    `json:"trace_id"`

	// Populated after successful authentication.
	APIKey string `json:"-"`
	UserID string `json:"user_id,omitempty"`
}

// ClientIdentity returns the key the limiter partitions state by:
// the API key when authenticated, the client IP otherwise.
func (c *RequestContext) ClientIdentity() string {
	if c.APIKey != "" {
		return c.APIKey
	}

	return c.ClientIP
}

// Response is the assembled result of a processed request.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
	Context *RequestContext   `json:"context"`
}

// HandlerResponse is what a bound handler returns to the dispatcher.
type HandlerResponse struct {
	Status  int
	Headers map[string]string
	Body    any
}

// Handler executes the business logic bound to a route. The dispatcher
// never interprets route handler identifiers itself.
type Handler func(rctx *RequestContext, body any, query map[string]string) (*HandlerResponse, error)

// HandlerResolver maps a route to its executable handler.
type HandlerResolver interface {
	Resolve(route *registry.Route) (Handler, error)
}

// HandlerResolverFunc adapts a function to the HandlerResolver interface.
type HandlerResolverFunc func(route *registry.Route) (Handler, error)

// Resolve implements HandlerResolver.
func (f HandlerResolverFunc) Resolve(route *registry.Route) (Handler, error) {
	return f(route)
}

// EventOutcome classifies how a request left the gateway.
type EventOutcome string

const (
	OutcomeHandled      EventOutcome = "handled"
	OutcomeNotFound     EventOutcome = "route_not_found"
	OutcomeUnauthorized EventOutcome = "unauthorized"
	OutcomeRateLimited  EventOutcome = "rate_limited"
	OutcomeError        EventOutcome = "error"
)

// Event describes one processed request, published to observers.
type Event struct {
	RequestID string        `json:"request_id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Client    string        `json:"client"`
	Status    int           `json:"status"`
	Outcome   EventOutcome  `json:"outcome"`
	RuleID    string        `json:"rule_id,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}
