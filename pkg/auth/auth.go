// Package auth validates API keys against the registry and resolves
// caller identity for authenticated routes.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Authentication failures, surfaced to callers as 401 responses. The
// messages are part of the gateway's contract.
var (
	ErrKeyRequired = errors.New("API key required")
	ErrKeyInvalid  = errors.New("Invalid API key")
	ErrKeyExpired  = errors.New("API key expired")
)

// Service defines the interface for request authentication.
type Service interface {
	// Authenticate validates the credential carried by the request
	// headers against the route's requirements. It returns the
	// authenticated key, or nil when the route does not require
	// authentication.
	Authenticate(route *registry.Route, headers map[string]string) (*registry.APIKey, error)
}

// service implements Service.
type service struct {
	log logrus.FieldLogger
	reg *registry.Registry
}

// Ensure service implements Service.
var _ Service = (*service)(nil)

// NewService creates a new authenticator backed by the given registry.
func NewService(log logrus.FieldLogger, reg *registry.Registry) Service {
	return &service{
		log: log.WithField("component", "auth"),
		reg: reg,
	}
}

// Authenticate implements Service. Header keys are expected lowercase;
// the dispatcher normalizes them before calling.
func (s *service) Authenticate(route *registry.Route, headers map[string]string) (*registry.APIKey, error) {
	if !route.RequiresAuth {
		return nil, nil
	}

	secret := extractCredential(headers)
	if secret == "" {
		return nil, ErrKeyRequired
	}

	key, ok := s.reg.FindAPIKey(secret)
	if !ok || !key.IsActive {
		s.log.WithFields(logrus.Fields{
			"method": route.Method,
			"path":   route.Path,
		}).Debug("Rejected unknown or inactive API key")

		return nil, ErrKeyInvalid
	}

	now := time.Now()

	if key.Expired(now) {
		s.log.WithField("key_id", key.ID).Debug("Rejected expired API key")

		return nil, ErrKeyExpired
	}

	// Best effort; last writer wins.
	s.reg.TouchAPIKey(secret, now)

	return key, nil
}

// extractCredential pulls the API key from the request headers,
// preferring x-api-key over an Authorization bearer token.
func extractCredential(headers map[string]string) string {
	if v := headers["x-api-key"]; v != "" {
		return v
	}

	v := headers["authorization"]
	if v == "" {
		return ""
	}

	// Support both "Bearer <key>" and "<key>" formats.
	if strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}

	return v
}
