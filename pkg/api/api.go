// Package api exposes the gateway over HTTP: an ingress endpoint that
// feeds requests through the admission core, and an admin surface for
// registration, stats and live events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/config"
	"github.com/ethpandaops/gatekeepoor/pkg/gateway"
	"github.com/ethpandaops/gatekeepoor/pkg/metrics"
	"github.com/ethpandaops/gatekeepoor/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP server wrapping the gateway.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// server implements Server.
type server struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	gw      gateway.Gateway
	store   store.Store
	metrics *metrics.Metrics
	hub     *Hub
	srv     *http.Server
	router  chi.Router

	// Front-door per-IP limiter for the admin surface.
	adminRateLimiter *IPRateLimiter
}

// Ensure server implements Server.
var _ Server = (*server)(nil)

// NewServer creates a new API server. The store may be nil when
// registry persistence is disabled.
func NewServer(log logrus.FieldLogger, cfg *config.Config, gw gateway.Gateway, st store.Store, m *metrics.Metrics) Server {
	s := &server{
		log:     log.WithField("component", "api"),
		cfg:     cfg,
		gw:      gw,
		store:   st,
		metrics: m,
		hub:     NewHub(log),
	}

	if cfg.Server.RateLimit.Enabled {
		s.adminRateLimiter = NewIPRateLimiter(log, cfg.Server.RateLimit.RequestsPerMinute)

		s.log.WithField("rpm", cfg.Server.RateLimit.RequestsPerMinute).Info("Admin rate limiting enabled")
	}

	// Fan admission events out to the hub and metrics.
	gw.SetEventCallback(s.onEvent)

	s.setupRouter()

	return s
}

// Start starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", s.cfg.Server.Listen).Info("Starting API server")

	// Start event hub.
	go s.hub.Run(ctx)

	if s.adminRateLimiter != nil {
		go s.adminRateLimiter.Run(ctx)
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.srv == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func (s *server) setupRouter() {
	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// CORS.
	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	}

	// Operational endpoints.
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Admin surface.
	r.Route("/admin/v1", func(r chi.Router) {
		if s.adminRateLimiter != nil {
			r.Use(s.adminRateLimiter.Middleware)
		}

		r.Post("/routes", s.handleRegisterRoute)
		r.Post("/rules", s.handleRegisterRule)
		r.Post("/keys", s.handleRegisterKey)
		r.Get("/stats", s.handleStats)
		r.Get("/ratelimits/{client}", s.handleRateLimitStatus)
		r.Get("/events", s.handleEvents)
	})

	// Everything else is gateway traffic.
	r.NotFound(s.handleIngress)
	r.MethodNotAllowed(s.handleIngress)

	s.router = r
}

// onEvent forwards a gateway admission event to metrics and the hub.
func (s *server) onEvent(ev *gateway.Event) {
	if s.metrics != nil {
		s.metrics.RecordRequest(ev.Method, strconv.Itoa(ev.Status), string(ev.Outcome), ev.Duration.Seconds())

		switch ev.Outcome {
		case gateway.OutcomeHandled:
			if ev.RuleID != "" {
				s.metrics.RecordAdmission(ev.RuleID)
			}
		case gateway.OutcomeRateLimited:
			s.metrics.RecordRejection(ev.RuleID)
		case gateway.OutcomeUnauthorized:
			s.metrics.RecordAuthFailure(ev.Method, ev.Path)
		}
	}

	s.hub.BroadcastEvent(ev)
}

// handleHealth reports server liveness.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeJSON writes a JSON response body.
func writeJSON(log logrus.FieldLogger, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if body == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Failed to write response body")
	}
}

// corsMiddleware sets CORS headers for the configured origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	originSet := make(map[string]bool, len(origins))
	allowAll := false

	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}

		originSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (allowAll || originSet[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
