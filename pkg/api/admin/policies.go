// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

func (s *Service) policiesRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.listPolicies)
	r.Post("/", s.createPolicy)
	r.Get("/{id}", s.getPolicy)
	r.Put("/{id}", s.replacePolicy)
	r.Delete("/{id}", s.deletePolicy)
	return r
}

func validatePolicy(policy *storage.JourneyPolicy) string {
	if policy.Type == "" {
		return "policy type is required"
	}
	if len(policy.Steps) == 0 {
		return "at least one step is required"
	}
	seen := make(map[string]bool, len(policy.Steps))
	for _, step := range policy.Steps {
		if step.ID == "" || step.Type == "" {
			return "every step needs an id and a type"
		}
		if seen[step.ID] {
			return "step ids must be unique"
		}
		seen[step.ID] = true
	}
	return ""
}

// listPolicies returns the tenant's enabled policies for a type, all
// types when the query parameter is absent.
func (s *Service) listPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.IDFromContext(r.Context())
	types := []storage.JourneyType{
		storage.JourneySignIn, storage.JourneySignUp, storage.JourneyPasswordReset,
		storage.JourneyProfileEdit, storage.JourneyWaitlist, storage.JourneyContactForm,
		storage.JourneySurvey, storage.JourneyFeedback, storage.JourneyCustom,
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		types = []storage.JourneyType{storage.JourneyType(typ)}
	}
	out := []*storage.JourneyPolicy{}
	for _, typ := range types {
		policies, err := s.store.ListPolicies(r.Context(), tenantID, typ)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list policies")
			return
		}
		out = append(out, policies...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) createPolicy(w http.ResponseWriter, r *http.Request) {
	var policy storage.JourneyPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validatePolicy(&policy); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	policy.TenantID = tenant.IDFromContext(r.Context())
	if err := s.store.PutPolicy(r.Context(), &policy); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store policy")
		return
	}
	writeJSON(w, http.StatusCreated, &policy)
}

func (s *Service) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.store.GetPolicy(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Service) replacePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.IDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetPolicy(r.Context(), tenantID, id); err != nil {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	var policy storage.JourneyPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validatePolicy(&policy); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	policy.ID = id
	policy.TenantID = tenantID
	if err := s.store.PutPolicy(r.Context(), &policy); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store policy")
		return
	}
	writeJSON(w, http.StatusOK, &policy)
}

func (s *Service) deletePolicy(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeletePolicy(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
