// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
	"github.com/stacklok/idhive/pkg/tokens"
)

const (
	testTenant = "acme"
	testIssuer = "https://login.example.com"
)

type fixture struct {
	store       *storage.MemoryStore
	tokens      *tokens.Service
	handler     http.Handler
	invalidated int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	enc, err := idcrypto.NewAESGCMEncryptionService(make([]byte, 32))
	require.NoError(t, err)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	provider := keys.NewLocalProvider(enc)
	registry := keys.NewRegistry()
	registry.Register(provider)
	rec, _, err := provider.Generate(keys.KeySpec{
		TenantID:  testTenant,
		Type:      storage.KeyTypeEC,
		Algorithm: "ES256",
	})
	require.NoError(t, err)
	require.NoError(t, store.PutKey(ctx, rec))

	handles, err := tokens.NewHandleIssuer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	creds := signing.NewCredentialStore(store, registry)

	f := &fixture{store: store, tokens: tokens.NewService(store, creds, handles, nil)}
	svc := NewService(store, WithCORSInvalidator(func() { f.invalidated++ }))
	router := svc.Router()
	f.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := tenant.WithTenant(r.Context(), &tenant.Info{ID: testTenant, IssuerURI: testIssuer})
		router.ServeHTTP(w, r.WithContext(rctx))
	})
	return f
}

// mintToken creates an access token; extra claims ride along verbatim.
func (f *fixture) mintToken(t *testing.T, subject string, claims map[string]any) string {
	t.Helper()
	token, err := f.tokens.CreateAccessToken(context.Background(), &tokens.AccessTokenRequest{
		TenantID:  testTenant,
		ClientID:  "admin-console",
		SubjectID: subject,
		Issuer:    testIssuer,
		Claims:    claims,
	})
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	reader := strings.NewReader("")
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/v1/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/roles", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	plain := f.mintToken(t, "u-plain", nil)
	rec = f.do(t, http.MethodGet, "/api/v1/roles", plain, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	t.Run("direct claim", func(t *testing.T) {
		token := f.mintToken(t, "u-super", map[string]any{"super_admin": true})
		rec := f.do(t, http.MethodGet, "/api/v1/roles", token, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("claim through a role", func(t *testing.T) {
		require.NoError(t, f.store.PutRole(ctx, &storage.Role{
			Name:     "PlatformAdmin",
			TenantID: testTenant,
			Claims:   []storage.RoleClaim{{Type: "tenant_admin", Value: "true"}},
		}))
		require.NoError(t, f.store.PutUser(ctx, &storage.User{
			ID:       "u-dana",
			TenantID: testTenant,
			Username: "dana",
			Active:   true,
			Roles:    []string{"PlatformAdmin"},
		}))
		token := f.mintToken(t, "u-dana", nil)
		rec := f.do(t, http.MethodGet, "/api/v1/roles", token, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestReservedRoleGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mintToken(t, "u-super", map[string]any{"super_admin": true})

	for _, name := range []string{"SuperAdmin", "superadmin", "PlatformAdmin", "pLaTfOrMaDmIn"} {
		rec := f.do(t, http.MethodPost, "/api/v1/roles", token, &roleRequest{Name: name})
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "reserved")
	}

	for _, claim := range []string{"super_admin", "SUPER_ADMIN", "tenant_admin"} {
		rec := f.do(t, http.MethodPost, "/api/v1/roles", token, &roleRequest{
			Name:   "support",
			Claims: []storage.RoleClaim{{Type: claim, Value: "true"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, claim)
		assert.Contains(t, rec.Body.String(), "reserved")
	}

	// The seeded reserved roles cannot be replaced or deleted either.
	rec := f.do(t, http.MethodPut, "/api/v1/roles/SuperAdmin", token, &roleRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/roles/SuperAdmin", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoleLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mintToken(t, "u-super", map[string]any{"super_admin": true})

	rec := f.do(t, http.MethodPost, "/api/v1/roles", token, &roleRequest{
		Name:   "support",
		Claims: []storage.RoleClaim{{Type: "department", Value: "support"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/roles", token, &roleRequest{Name: "support"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/roles/support", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var role storage.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	assert.Equal(t, "support", role.Name)
	require.Len(t, role.Claims, 1)

	rec = f.do(t, http.MethodPut, "/api/v1/roles/support", token, &roleRequest{
		Claims: []storage.RoleClaim{{Type: "department", Value: "customer-success"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/api/v1/roles/support", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/roles/support", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mintToken(t, "u-super", map[string]any{"super_admin": true})
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/v1/clients", token, &clientRequest{
		ClientID:           "spa",
		Public:             true,
		GenerateSecret:     true,
		RedirectURIs:       []string{"https://spa.example/cb"},
		AllowedGrantTypes:  []string{"authorization_code"},
		AllowedCORSOrigins: []string{"https://spa.example"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/clients", token, &clientRequest{
		ClientID:           "backend",
		GenerateSecret:     true,
		AllowedGrantTypes:  []string{"client_credentials"},
		AllowedScopes:      []string{"api"},
		AllowedCORSOrigins: []string{"https://app.example"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret"`
		SecretHashes []string `json:"secret_hashes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ClientSecret)
	assert.Empty(t, created.SecretHashes, "hashes must never leave the store")
	assert.Equal(t, 1, f.invalidated, "client creation invalidates the CORS cache")

	stored, err := f.store.GetClient(ctx, testTenant, "backend")
	require.NoError(t, err)
	require.Len(t, stored.SecretHashes, 1)

	// Replacing the client keeps its secret.
	rec = f.do(t, http.MethodPut, "/api/v1/clients/backend", token, &clientRequest{
		AllowedGrantTypes: []string{"client_credentials"},
		AllowedScopes:     []string{"api", "reporting"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "client_secret")
	replaced, err := f.store.GetClient(ctx, testTenant, "backend")
	require.NoError(t, err)
	assert.Equal(t, stored.SecretHashes, replaced.SecretHashes)
	assert.Equal(t, []string{"api", "reporting"}, replaced.AllowedScopes)

	rec = f.do(t, http.MethodDelete, "/api/v1/clients/backend", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 3, f.invalidated)
}

func TestPolicyValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mintToken(t, "u-super", map[string]any{"super_admin": true})

	rec := f.do(t, http.MethodPost, "/api/v1/policies", token, &storage.JourneyPolicy{
		Type: storage.JourneySignIn,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/policies", token, &storage.JourneyPolicy{
		Type: storage.JourneySignIn,
		Steps: []storage.PolicyStep{
			{ID: "login", Type: "local_login"},
			{ID: "login", Type: "mfa"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unique")

	rec = f.do(t, http.MethodPost, "/api/v1/policies", token, &storage.JourneyPolicy{
		Type:    storage.JourneySignIn,
		Enabled: true,
		Steps: []storage.PolicyStep{
			{ID: "login", Type: "local_login", Order: 1},
			{ID: "mfa", Type: "mfa", Order: 2},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var policy storage.JourneyPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.NotEmpty(t, policy.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/policies?type=SignIn", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*storage.JourneyPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/policies/"+policy.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
