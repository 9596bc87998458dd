// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/oidc"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

// basePath is where the router mounts, used for meta.location values.
const basePath = "/scim/v2"

// defaultPageSize bounds unpaginated list responses.
const defaultPageSize = 100

// Store is the persistence surface the provisioning service needs.
type Store interface {
	storage.UserStore
	storage.RoleStore
	storage.SigningKeyStore
}

// Service is the SCIM provisioning front-end.
type Service struct {
	store    Store
	verifier *oidc.Verifier
}

// NewService wires the provisioning service.
func NewService(store Store) *Service {
	return &Service{store: store, verifier: oidc.NewVerifier(store)}
}

// Router mounts the SCIM endpoints under /scim/v2. Discovery endpoints are
// anonymous; resource CRUD requires a bearer token.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Route(basePath, func(r chi.Router) {
		r.Get("/ServiceProviderConfig", s.handleServiceProviderConfig)
		r.Get("/ResourceTypes", s.handleResourceTypes)
		r.Get("/Schemas", s.handleSchemas)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			r.Get("/Users", s.handleListUsers)
			r.Post("/Users", s.handleCreateUser)
			r.Get("/Users/{id}", s.handleGetUser)
			r.Put("/Users/{id}", s.handleReplaceUser)
			r.Patch("/Users/{id}", s.handlePatchUser)
			r.Delete("/Users/{id}", s.handleDeleteUser)

			r.Get("/Groups", s.handleListGroups)
			r.Post("/Groups", s.handleCreateGroup)
			r.Get("/Groups/{id}", s.handleGetGroup)
			r.Patch("/Groups/{id}", s.handlePatchGroup)
			r.Delete("/Groups/{id}", s.handleDeleteGroup)
		})
	})
	return r
}

// requireToken gates CRUD endpoints behind a verified bearer token.
func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "", "no bearer token")
			return
		}
		claims, err := s.verifier.VerifyAccessToken(r.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "", "invalid bearer token")
			return
		}
		if client, _ := claims["client_id"].(string); client != "" {
			logger.Debugw("provisioning request", "client_id", client, "path", r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

// ---- Users ----

// filterRE matches the single-clause equality filter provisioning systems
// send: attribute eq "value".
var filterRE = regexp.MustCompile(`^(\w+)\s+eq\s+"([^"]*)"$`)

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	if filter := r.URL.Query().Get("filter"); filter != "" {
		match := filterRE.FindStringSubmatch(filter)
		if match == nil || !strings.EqualFold(match[1], "userName") {
			writeError(w, http.StatusBadRequest, "invalidFilter", "only userName equality filters are supported")
			return
		}
		user, err := s.store.GetUserByUsername(ctx, tenantID, match[2])
		if err != nil {
			writeList(w, 1, nil)
			return
		}
		writeList(w, 1, []any{userToResource(user, basePath)})
		return
	}

	users, err := s.store.ListUsers(ctx, tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to list users")
		return
	}
	start, count := pagination(r, len(users))
	resources := make([]any, 0, count)
	for _, user := range users[start-1 : start-1+count] {
		resources = append(resources, userToResource(user, basePath))
	}
	writeJSON(w, http.StatusOK, &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: len(users),
		StartIndex:   start,
		ItemsPerPage: count,
		Resources:    resources,
	})
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	res := &UserResource{Active: true}
	if err := json.NewDecoder(r.Body).Decode(res); err != nil || res.UserName == "" {
		writeError(w, http.StatusBadRequest, "invalidValue", "userName is required")
		return
	}
	if _, err := s.store.GetUserByUsername(ctx, tenantID, res.UserName); err == nil {
		writeError(w, http.StatusConflict, "uniqueness", "userName already exists")
		return
	}

	now := time.Now()
	user := &storage.User{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Username:    res.UserName,
		Email:       primaryValue(res.Emails),
		PhoneNumber: primaryValue(res.PhoneNumbers),
		Active:      res.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.PutUser(ctx, user); err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, userToResource(user, basePath))
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, userToResource(user, basePath))
}

func (s *Service) handleReplaceUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	user, err := s.store.GetUser(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "", "user not found")
		return
	}
	res := &UserResource{}
	if err := json.NewDecoder(r.Body).Decode(res); err != nil || res.UserName == "" {
		writeError(w, http.StatusBadRequest, "invalidValue", "userName is required")
		return
	}

	user.Username = res.UserName
	user.Email = primaryValue(res.Emails)
	user.PhoneNumber = primaryValue(res.PhoneNumbers)
	user.Active = res.Active
	user.UpdatedAt = time.Now()
	if err := s.store.PutUser(ctx, user); err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, userToResource(user, basePath))
}

func (s *Service) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	user, err := s.store.GetUser(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "", "user not found")
		return
	}
	patch := &patchRequest{}
	if err := json.NewDecoder(r.Body).Decode(patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalidSyntax", "malformed patch body")
		return
	}
	for _, op := range patch.Operations {
		if !strings.EqualFold(op.Op, "replace") {
			writeError(w, http.StatusBadRequest, "invalidValue", "only replace operations are supported on users")
			return
		}
		if err := applyUserReplace(user, op); err != nil {
			writeError(w, http.StatusBadRequest, "invalidPath", err.Error())
			return
		}
	}
	user.UpdatedAt = time.Now()
	if err := s.store.PutUser(ctx, user); err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, userToResource(user, basePath))
}

// applyUserReplace applies a single replace operation, either pathed
// ("active") or an attribute map.
func applyUserReplace(user *storage.User, op patchOperation) error {
	setAttr := func(name string, value any) error {
		switch strings.ToLower(name) {
		case "active":
			b, ok := value.(bool)
			if !ok {
				// Azure AD sends booleans as strings.
				b = strings.EqualFold(fmt.Sprint(value), "true")
			}
			user.Active = b
		case "username":
			s, ok := value.(string)
			if !ok || s == "" {
				return fmt.Errorf("userName must be a non-empty string")
			}
			user.Username = s
		default:
			return fmt.Errorf("unsupported attribute %q", name)
		}
		return nil
	}
	if op.Path != "" {
		return setAttr(op.Path, op.Value)
	}
	attrs, ok := op.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("replace without a path requires an attribute object")
	}
	for name, value := range attrs {
		if err := setAttr(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteUser(r.Context(), tenant.IDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "", "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Groups ----

func (s *Service) handleListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	roles, err := s.store.ListRoles(ctx, tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to list groups")
		return
	}
	if filter := r.URL.Query().Get("filter"); filter != "" {
		match := filterRE.FindStringSubmatch(filter)
		if match == nil || !strings.EqualFold(match[1], "displayName") {
			writeError(w, http.StatusBadRequest, "invalidFilter", "only displayName equality filters are supported")
			return
		}
		var kept []*storage.Role
		for _, role := range roles {
			if strings.EqualFold(role.Name, match[2]) {
				kept = append(kept, role)
			}
		}
		roles = kept
	}
	resources := make([]any, 0, len(roles))
	for _, role := range roles {
		resources = append(resources, s.groupResource(ctx, tenantID, role))
	}
	writeList(w, len(resources), resources)
}

func (s *Service) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	res := &GroupResource{}
	if err := json.NewDecoder(r.Body).Decode(res); err != nil || res.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "invalidValue", "displayName is required")
		return
	}
	if _, err := s.store.GetRole(ctx, tenantID, res.DisplayName); err == nil {
		writeError(w, http.StatusConflict, "uniqueness", "group already exists")
		return
	}
	role := &storage.Role{Name: res.DisplayName, TenantID: tenantID}
	if err := s.store.PutRole(ctx, role); err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to create group")
		return
	}
	for _, member := range res.Members {
		if err := s.setMembership(ctx, tenantID, role.Name, member.Value, true); err != nil {
			writeError(w, http.StatusBadRequest, "invalidValue", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.groupResource(ctx, tenantID, role))
}

func (s *Service) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)
	role, err := s.store.GetRole(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "", "group not found")
		return
	}
	writeJSON(w, http.StatusOK, s.groupResource(ctx, tenantID, role))
}

// memberPathRE matches remove paths of the form members[value eq "id"].
var memberPathRE = regexp.MustCompile(`^members\[value\s+eq\s+"([^"]+)"\]$`)

func (s *Service) handlePatchGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	role, err := s.store.GetRole(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "", "group not found")
		return
	}
	patch := &patchRequest{}
	if err := json.NewDecoder(r.Body).Decode(patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalidSyntax", "malformed patch body")
		return
	}
	for _, op := range patch.Operations {
		if err := s.applyGroupOp(ctx, tenantID, role.Name, op); err != nil {
			writeError(w, http.StatusBadRequest, "invalidValue", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, s.groupResource(ctx, tenantID, role))
}

// applyGroupOp applies an add/remove membership operation.
func (s *Service) applyGroupOp(ctx context.Context, tenantID, roleName string, op patchOperation) error {
	switch strings.ToLower(op.Op) {
	case "add", "remove":
	default:
		return fmt.Errorf("unsupported group operation %q", op.Op)
	}
	adding := strings.EqualFold(op.Op, "add")

	if match := memberPathRE.FindStringSubmatch(op.Path); match != nil {
		return s.setMembership(ctx, tenantID, roleName, match[1], adding)
	}
	if op.Path != "" && !strings.EqualFold(op.Path, "members") {
		return fmt.Errorf("unsupported path %q", op.Path)
	}
	values, ok := op.Value.([]any)
	if !ok {
		return fmt.Errorf("members value must be a list")
	}
	for _, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("malformed member entry")
		}
		id, _ := entry["value"].(string)
		if id == "" {
			return fmt.Errorf("member entry has no value")
		}
		if err := s.setMembership(ctx, tenantID, roleName, id, adding); err != nil {
			return err
		}
	}
	return nil
}

// setMembership adds or removes the role on a user.
func (s *Service) setMembership(ctx context.Context, tenantID, roleName, userID string, add bool) error {
	user, err := s.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("member %s does not exist", userID)
		}
		return err
	}
	roles := make([]string, 0, len(user.Roles)+1)
	for _, r := range user.Roles {
		if r != roleName {
			roles = append(roles, r)
		}
	}
	if add {
		roles = append(roles, roleName)
	}
	user.Roles = roles
	user.UpdatedAt = time.Now()
	return s.store.PutUser(ctx, user)
}

func (s *Service) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)
	name := chi.URLParam(r, "id")

	if err := s.store.DeleteRole(ctx, tenantID, name); err != nil {
		writeError(w, http.StatusNotFound, "", "group not found")
		return
	}
	// Drop the role from its members.
	users, err := s.store.ListUsers(ctx, tenantID)
	if err == nil {
		for _, user := range users {
			for _, role := range user.Roles {
				if role == name {
					_ = s.setMembership(ctx, tenantID, name, user.ID, false)
					break
				}
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// groupResource projects a role and its member users into SCIM shape.
func (s *Service) groupResource(ctx context.Context, tenantID string, role *storage.Role) *GroupResource {
	res := &GroupResource{
		Schemas:     []string{SchemaGroup},
		ID:          role.Name,
		DisplayName: role.Name,
		Meta: &Meta{
			ResourceType: "Group",
			Location:     basePath + "/Groups/" + role.Name,
		},
	}
	users, err := s.store.ListUsers(ctx, tenantID)
	if err != nil {
		return res
	}
	for _, user := range users {
		for _, r := range user.Roles {
			if r == role.Name {
				res.Members = append(res.Members, MemberRef{Value: user.ID, Display: user.Username})
				break
			}
		}
	}
	return res
}

// ---- Discovery ----

func (*Service) handleServiceProviderConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schemas":        []string{SchemaServiceProviderConfig},
		"patch":          map[string]any{"supported": true},
		"bulk":           map[string]any{"supported": false, "maxOperations": 0, "maxPayloadSize": 0},
		"filter":         map[string]any{"supported": true, "maxResults": defaultPageSize},
		"changePassword": map[string]any{"supported": false},
		"sort":           map[string]any{"supported": false},
		"etag":           map[string]any{"supported": false},
		"authenticationSchemes": []map[string]any{{
			"type":        "oauthbearertoken",
			"name":        "OAuth Bearer Token",
			"description": "Authorization header bearer token issued by the token endpoint",
		}},
	})
}

func (*Service) handleResourceTypes(w http.ResponseWriter, _ *http.Request) {
	writeList(w, 2, []any{
		map[string]any{
			"schemas":  []string{SchemaResourceType},
			"id":       "User",
			"name":     "User",
			"endpoint": "/Users",
			"schema":   SchemaUser,
		},
		map[string]any{
			"schemas":  []string{SchemaResourceType},
			"id":       "Group",
			"name":     "Group",
			"endpoint": "/Groups",
			"schema":   SchemaGroup,
		},
	})
}

func (*Service) handleSchemas(w http.ResponseWriter, _ *http.Request) {
	writeList(w, 2, []any{
		map[string]any{"id": SchemaUser, "name": "User"},
		map[string]any{"id": SchemaGroup, "name": "Group"},
	})
}

// ---- helpers ----

// pagination reads the 1-based startIndex/count parameters and clamps them
// to the result set.
func pagination(r *http.Request, total int) (start, count int) {
	start, _ = strconv.Atoi(r.URL.Query().Get("startIndex"))
	if start < 1 {
		start = 1
	}
	count, _ = strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 || count > defaultPageSize {
		count = defaultPageSize
	}
	if start > total {
		return 1, 0
	}
	if start-1+count > total {
		count = total - (start - 1)
	}
	return start, count
}

func writeList(w http.ResponseWriter, total int, resources []any) {
	if resources == nil {
		resources = []any{}
	}
	writeJSON(w, http.StatusOK, &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: total,
		StartIndex:   1,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, scimType, detail string) {
	writeJSON(w, status, &ErrorResponse{
		Schemas:  []string{SchemaError},
		Status:   strconv.Itoa(status),
		ScimType: scimType,
		Detail:   detail,
	})
}
