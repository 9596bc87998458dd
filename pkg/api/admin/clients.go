// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

func (s *Service) clientsRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.createClient)
	r.Get("/{id}", s.getClient)
	r.Put("/{id}", s.replaceClient)
	r.Delete("/{id}", s.deleteClient)
	return r
}

// clientRequest is the create/replace payload. GenerateSecret asks the
// server to mint a secret; it is returned exactly once in the response.
type clientRequest struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name,omitempty"`
	Public      bool   `json:"public"`

	GenerateSecret bool `json:"generate_secret,omitempty"`

	AllowedGrantTypes      []string `json:"allowed_grant_types"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`
	AllowedCORSOrigins     []string `json:"allowed_cors_origins,omitempty"`
	AllowedScopes          []string `json:"allowed_scopes"`

	AccessTokenLifetime  int `json:"access_token_lifetime,omitempty"`
	IDTokenLifetime      int `json:"id_token_lifetime,omitempty"`
	RefreshTokenLifetime int `json:"refresh_token_lifetime,omitempty"`

	RequireConsent       bool `json:"require_consent"`
	AllowRememberConsent bool `json:"allow_remember_consent"`
	ConsentLifetime      int  `json:"consent_lifetime,omitempty"`

	AllowPlainPKCE bool `json:"allow_plain_pkce,omitempty"`
	CIBAEnabled    bool `json:"ciba_enabled,omitempty"`
}

// clientResponse is the client projection. Secret hashes never leave the
// store; ClientSecret is only present on creation with GenerateSecret.
type clientResponse struct {
	*storage.Client
	SecretHashes []string `json:"secret_hashes,omitempty"` // shadows the stored field out of the response
	ClientSecret string   `json:"client_secret,omitempty"`
}

func (req *clientRequest) toClient(tenantID string, now time.Time) *storage.Client {
	return &storage.Client{
		ClientID:               req.ClientID,
		DisplayName:            req.DisplayName,
		TenantID:               tenantID,
		Public:                 req.Public,
		AllowedGrantTypes:      req.AllowedGrantTypes,
		RedirectURIs:           req.RedirectURIs,
		PostLogoutRedirectURIs: req.PostLogoutRedirectURIs,
		AllowedCORSOrigins:     req.AllowedCORSOrigins,
		AllowedScopes:          req.AllowedScopes,
		AccessTokenLifetime:    req.AccessTokenLifetime,
		IDTokenLifetime:        req.IDTokenLifetime,
		RefreshTokenLifetime:   req.RefreshTokenLifetime,
		RequireConsent:         req.RequireConsent,
		AllowRememberConsent:   req.AllowRememberConsent,
		ConsentLifetime:        req.ConsentLifetime,
		AllowPlainPKCE:         req.AllowPlainPKCE,
		CIBAEnabled:            req.CIBAEnabled,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func (s *Service) createClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if req.Public && req.GenerateSecret {
		writeError(w, http.StatusBadRequest, "public clients cannot have secrets")
		return
	}
	tenantID := tenant.IDFromContext(r.Context())
	if _, err := s.store.GetClient(r.Context(), tenantID, req.ClientID); err == nil {
		writeError(w, http.StatusConflict, "client already exists")
		return
	}

	client := req.toClient(tenantID, time.Now().UTC())
	var secret string
	if req.GenerateSecret {
		var err error
		secret, err = idcrypto.RandomHandle(32)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate secret")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash secret")
			return
		}
		client.SecretHashes = []string{string(hash)}
	}

	if err := s.store.PutClient(r.Context(), client); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store client")
		return
	}
	s.corsChanged()
	writeJSON(w, http.StatusCreated, &clientResponse{Client: client, ClientSecret: secret})
}

func (s *Service) getClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.store.GetClient(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	writeJSON(w, http.StatusOK, &clientResponse{Client: client})
}

func (s *Service) replaceClient(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.IDFromContext(r.Context())
	existing, err := s.store.GetClient(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ClientID = existing.ClientID

	client := req.toClient(tenantID, time.Now().UTC())
	client.SecretHashes = existing.SecretHashes
	client.CreatedAt = existing.CreatedAt
	if err := s.store.PutClient(r.Context(), client); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store client")
		return
	}
	s.corsChanged()
	writeJSON(w, http.StatusOK, &clientResponse{Client: client})
}

func (s *Service) deleteClient(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteClient(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	s.corsChanged()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) corsChanged() {
	if s.invalidateCORS != nil {
		s.invalidateCORS()
	}
}
