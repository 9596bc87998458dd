// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

func (s *Service) rolesRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.listRoles)
	r.Post("/", s.createRole)
	r.Get("/{name}", s.getRole)
	r.Put("/{name}", s.replaceRole)
	r.Delete("/{name}", s.deleteRole)
	return r
}

// roleRequest is the create/replace payload.
type roleRequest struct {
	Name   string              `json:"name"`
	Claims []storage.RoleClaim `json:"claims,omitempty"`
}

// validateRole enforces the reserved-name and reserved-claim guard.
func validateRole(req *roleRequest) error {
	if req.Name == "" {
		return errors.New("role name is required")
	}
	if isReservedRoleName(req.Name) {
		return fmt.Errorf("role name %q is reserved", req.Name)
	}
	for _, claim := range req.Claims {
		if claim.Type == "" {
			return errors.New("claim type is required")
		}
		if isReservedClaim(claim.Type) {
			return fmt.Errorf("claim type %q is reserved", claim.Type)
		}
	}
	return nil
}

func (s *Service) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context(), tenant.IDFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Service) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateRole(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tenantID := tenant.IDFromContext(r.Context())
	if _, err := s.store.GetRole(r.Context(), tenantID, req.Name); err == nil {
		writeError(w, http.StatusConflict, "role already exists")
		return
	}
	role := &storage.Role{Name: req.Name, TenantID: tenantID, Claims: req.Claims}
	if err := s.store.PutRole(r.Context(), role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store role")
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Service) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.store.GetRole(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Service) replaceRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if isReservedRoleName(name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("role name %q is reserved", name))
		return
	}
	tenantID := tenant.IDFromContext(r.Context())
	if _, err := s.store.GetRole(r.Context(), tenantID, name); err != nil {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = name
	if err := validateRole(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role := &storage.Role{Name: name, TenantID: tenantID, Claims: req.Claims}
	if err := s.store.PutRole(r.Context(), role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store role")
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Service) deleteRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if isReservedRoleName(name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("role name %q is reserved", name))
		return
	}
	if err := s.store.DeleteRole(r.Context(), tenant.IDFromContext(r.Context()), name); err != nil {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
