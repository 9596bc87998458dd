// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package admin contains the tenant administration REST API: roles,
// client registrations, and journey policies. Every endpoint requires an
// access token carrying an administrative claim.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/oidc"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

// Reserved role names and claim types. These are seeded by the platform
// and can never be created or granted through the API.
var (
	reservedRoleNames  = []string{"SuperAdmin", "PlatformAdmin"}
	reservedClaimTypes = []string{"super_admin", "tenant_admin"}
)

// Store is the persistence surface the admin API needs.
type Store interface {
	storage.ClientStore
	storage.RoleStore
	storage.UserStore
	storage.JourneyPolicyStore
	storage.SigningKeyStore
}

// Service implements the admin API.
type Service struct {
	store          Store
	verifier       *oidc.Verifier
	invalidateCORS func()
}

// Option configures a Service.
type Option func(*Service)

// WithCORSInvalidator registers a callback invoked after any client
// mutation, so the serving layer can drop its cached origin list.
func WithCORSInvalidator(fn func()) Option {
	return func(s *Service) { s.invalidateCORS = fn }
}

// NewService creates the admin API service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		verifier: oidc.NewVerifier(store),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the admin API router, mounted under /api/v1.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Mount("/roles", s.rolesRouter())
		r.Mount("/clients", s.clientsRouter())
		r.Mount("/policies", s.policiesRouter())
	})
	return r
}

// requireAdmin verifies the bearer token and checks that the caller holds
// an administrative claim, either directly on the token or through one of
// the subject's roles.
func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.verifier.VerifyAccessToken(r.Context(), raw)
		if err != nil {
			logger.Debugw("admin token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !s.isAdmin(r, claims) {
			writeError(w, http.StatusForbidden, "administrative privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) isAdmin(r *http.Request, claims map[string]any) bool {
	for _, typ := range reservedClaimTypes {
		if truthy(claims[typ]) {
			return true
		}
	}

	// Fall back to the subject's roles: a user is an admin when one of
	// their roles grants a reserved claim.
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return false
	}
	tenantID := tenant.IDFromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), tenantID, sub)
	if err != nil {
		return false
	}
	for _, name := range user.Roles {
		role, err := s.store.GetRole(r.Context(), tenantID, name)
		if err != nil {
			continue
		}
		for _, claim := range role.Claims {
			if isReservedClaim(claim.Type) {
				return true
			}
		}
	}
	return false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && !strings.EqualFold(val, "false")
	default:
		return false
	}
}

func isReservedRoleName(name string) bool {
	for _, reserved := range reservedRoleNames {
		if strings.EqualFold(name, reserved) {
			return true
		}
	}
	return false
}

func isReservedClaim(typ string) bool {
	for _, reserved := range reservedClaimTypes {
		if strings.EqualFold(typ, reserved) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
