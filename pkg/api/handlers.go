package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ruleRequest is the admin API shape of a rate limit rule. The window
// is declared in milliseconds, matching the response headers.
type ruleRequest struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	EndpointPattern string  `json:"endpoint_pattern"`
	MethodPattern   string  `json:"method_pattern"`
	Limit           int     `json:"limit"`
	WindowMS        int64   `json:"window_ms"`
	Strategy        string  `json:"strategy"`
	Burst           int     `json:"burst"`
	RefillRate      float64 `json:"refill_rate"`
}

// keyRequest is the admin API shape of an API key registration. When
// no secret is supplied one is generated and returned.
type keyRequest struct {
	ID               string     `json:"id"`
	Key              string     `json:"key"`
	Name             string     `json:"name"`
	UserID           string     `json:"user_id"`
	Permissions      []string   `json:"permissions"`
	RateLimitRuleIDs []string   `json:"rate_limit_rule_ids"`
	ExpiresAt        *time.Time `json:"expires_at"`
	IsActive         *bool      `json:"is_active"`
}

// handleRegisterRoute registers (or overwrites) a route.
func (s *server) handleRegisterRoute(w http.ResponseWriter, r *http.Request) {
	var route registry.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if route.Method == "" || route.Path == "" {
		s.writeError(w, http.StatusBadRequest, "method and path are required")

		return
	}

	s.gw.RegisterRoute(&route)
	s.persist(func() error { return s.store.UpsertRoute(r.Context(), &route) })
	s.updateRegistryGauges()

	writeJSON(s.log, w, http.StatusCreated, &route)
}

// handleRegisterRule registers (or overwrites) a rate limit rule.
func (s *server) handleRegisterRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	rule := &registry.RateLimitRule{
		ID:              req.ID,
		Name:            req.Name,
		EndpointPattern: req.EndpointPattern,
		MethodPattern:   req.MethodPattern,
		Limit:           req.Limit,
		Window:          time.Duration(req.WindowMS) * time.Millisecond,
		Strategy:        registry.Strategy(req.Strategy),
		Burst:           req.Burst,
		RefillRate:      req.RefillRate,
	}

	if err := s.gw.RegisterRateLimitRule(rule); err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Error())

			return
		}

		s.writeError(w, http.StatusInternalServerError, "failed to register rule")

		return
	}

	s.persist(func() error { return s.store.UpsertRule(r.Context(), rule) })
	s.updateRegistryGauges()

	writeJSON(s.log, w, http.StatusCreated, rule)
}

// handleRegisterKey registers (or overwrites) an API key.
func (s *server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if req.Key == "" {
		req.Key = "gk_" + uuid.New().String()
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	key := &registry.APIKey{
		ID:               req.ID,
		Key:              req.Key,
		Name:             req.Name,
		UserID:           req.UserID,
		Permissions:      req.Permissions,
		RateLimitRuleIDs: req.RateLimitRuleIDs,
		ExpiresAt:        req.ExpiresAt,
		IsActive:         active,
	}

	s.gw.RegisterAPIKey(key)
	s.persist(func() error { return s.store.UpsertAPIKey(r.Context(), key) })
	s.updateRegistryGauges()

	// The secret is echoed back once, at registration time.
	writeJSON(s.log, w, http.StatusCreated, map[string]any{
		"id":  key.ID,
		"key": key.Key,
	})
}

// handleStats returns the gateway's registration and limiter counters.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.gw.Stats()
	s.updateRegistryGauges()

	writeJSON(s.log, w, http.StatusOK, stats)
}

// handleRateLimitStatus reports a client's standing against registered
// rules without consuming quota.
func (s *server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	client := chi.URLParam(r, "client")
	ruleID := r.URL.Query().Get("rule")

	statuses, err := s.gw.RateLimitStatus(client, ruleID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())

		return
	}

	writeJSON(s.log, w, http.StatusOK, map[string]any{
		"client": client,
		"rules":  statuses,
	})
}

// handleEvents upgrades the connection and streams admission events.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, s.cfg.Server.CORSOrigins, w, r)
}

// persist runs a store write when persistence is enabled.
func (s *server) persist(fn func() error) {
	if s.store == nil {
		return
	}

	if err := fn(); err != nil {
		s.log.WithError(err).Error("Failed to persist registration")
	}
}

// updateRegistryGauges refreshes the registry size metrics.
func (s *server) updateRegistryGauges() {
	if s.metrics == nil {
		return
	}

	stats := s.gw.Stats()
	s.metrics.SetRegistrySizes(
		float64(stats.Routes),
		float64(stats.Rules),
		float64(stats.APIKeys),
		float64(stats.LimiterEntries),
	)
}

// writeError writes a structured admin error response.
func (s *server) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(s.log, w, status, map[string]string{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}
