// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
)

type fixture struct {
	store   *storage.MemoryStore
	service *Service
	pub     *ecdsa.PublicKey
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	enc, err := idcrypto.NewAESGCMEncryptionService(make([]byte, 32))
	require.NoError(t, err)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	provider := keys.NewLocalProvider(enc)
	registry := keys.NewRegistry()
	registry.Register(provider)

	rec, material, err := provider.Generate(keys.KeySpec{
		TenantID:  "acme",
		Type:      storage.KeyTypeEC,
		Algorithm: "ES256",
	})
	require.NoError(t, err)
	require.NoError(t, store.PutKey(context.Background(), rec))

	handles, err := NewHandleIssuer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	creds := signing.NewCredentialStore(store, registry)
	return &fixture{
		store:   store,
		service: NewService(store, creds, handles, nil, opts...),
		pub:     material.Signer.Public().(*ecdsa.PublicKey),
	}
}

func (f *fixture) parseJWT(t *testing.T, raw string) (*jwt.Token, jwt.MapClaims) {
	t.Helper()
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return f.pub, nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	return token, claims
}

func TestCreateAccessToken_JWT(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	raw, err := f.service.CreateAccessToken(ctx, &AccessTokenRequest{
		TenantID:          "acme",
		ClientID:          "web-app",
		SubjectID:         "alice",
		SessionID:         "sess-1",
		Issuer:            "https://login.acme.example.com",
		Audience:          []string{"https://api.acme.example.com"},
		Scopes:            []string{"openid", "profile"},
		DPoPKeyThumbprint: "jkt-thumb",
		Claims:            map[string]any{"department": "eng"},
	})
	require.NoError(t, err)

	token, claims := f.parseJWT(t, raw)
	assert.Equal(t, "at+jwt", token.Header["typ"])
	assert.NotEmpty(t, token.Header["kid"])
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "web-app", claims["client_id"])
	assert.Equal(t, "https://login.acme.example.com", claims["iss"])
	assert.Equal(t, "acme", claims["tenant_id"])
	assert.Equal(t, []any{"openid", "profile"}, claims["scope"])
	assert.Equal(t, "sess-1", claims["sid"])
	assert.Equal(t, "eng", claims["department"])
	assert.NotEmpty(t, claims["jti"])

	cnf, ok := claims["cnf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "jkt-thumb", cnf["jkt"])
}

func TestCreateAccessToken_ClaimPrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := ClaimsProviderFunc(func(_ context.Context, pctx ProviderContext) (map[string]any, error) {
		return map[string]any{
			"sub":   "spoofed-by-provider",
			"email": pctx.SubjectID + "@example.com",
		}, nil
	})
	f := newFixture(t, WithClaimsProviders(provider))

	raw, err := f.service.CreateAccessToken(ctx, &AccessTokenRequest{
		TenantID:  "acme",
		ClientID:  "web-app",
		SubjectID: "alice",
		Issuer:    "https://login.acme.example.com",
		Scopes:    []string{"openid"},
		Claims: map[string]any{
			"sub":   "spoofed-by-caller",
			"email": "spoofed@example.com",
			"plan":  "pro",
		},
	})
	require.NoError(t, err)

	_, claims := f.parseJWT(t, raw)
	// Protocol claims beat providers; providers beat caller claims.
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])
	assert.Equal(t, "pro", claims["plan"])
}

func TestCreateAccessToken_Reference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	handle, err := f.service.CreateAccessToken(ctx, &AccessTokenRequest{
		TenantID:    "acme",
		ClientID:    "web-app",
		SubjectID:   "alice",
		Issuer:      "https://login.acme.example.com",
		Scopes:      []string{"openid"},
		IsReference: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, handle, ".eyJ", "reference token must not be a JWT")

	claims, err := f.service.LookupReference(ctx, "acme", handle)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "web-app", claims["client_id"])

	// Lookup does not consume.
	_, err = f.service.LookupReference(ctx, "acme", handle)
	require.NoError(t, err)

	t.Run("tampered handle", func(t *testing.T) {
		_, err := f.service.LookupReference(ctx, "acme", handle+"x")
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})
}

func TestCreateIDToken_Hashes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	authTime := time.Now().Add(-time.Minute)
	accessToken := "example-access-token"
	code := "example-code"

	raw, err := f.service.CreateIDToken(ctx, &IDTokenRequest{
		TenantID:  "acme",
		ClientID:  "web-app",
		SubjectID: "alice",
		Issuer:    "https://login.acme.example.com",
		Nonce:     "n-123",
		AuthTime:  &authTime,
		AMR:       []string{"pwd", "otp"},
		ACR:       "urn:acme:mfa",
	}, accessToken, code)
	require.NoError(t, err)

	token, claims := f.parseJWT(t, raw)
	assert.Equal(t, "JWT", token.Header["typ"])
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, []any{"web-app"}, claims["aud"])
	assert.Equal(t, "n-123", claims["nonce"])
	assert.Equal(t, []any{"pwd", "otp"}, claims["amr"])

	// at_hash is the left half of SHA-256 over the access token,
	// base64url without padding.
	sum := sha256.Sum256([]byte(accessToken))
	expected := base64.RawURLEncoding.EncodeToString(sum[:16])
	assert.Equal(t, expected, claims["at_hash"])
	assert.NotEmpty(t, claims["c_hash"])

	t.Run("subject required", func(t *testing.T) {
		_, err := f.service.CreateIDToken(ctx, &IDTokenRequest{ClientID: "web-app"}, "", "")
		assert.ErrorContains(t, err, "subject")
	})
}

func TestRedeemCode_OneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	code, err := f.service.CreateAuthorizationCode(ctx, "acme", &CodeGrant{
		SubjectID:           "alice",
		ClientID:            "web-app",
		Scopes:              []string{"openid"},
		RedirectURI:         "https://app.example/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	}, 0)
	require.NoError(t, err)

	grant, err := f.service.RedeemCode(ctx, "acme", code)
	require.NoError(t, err)
	assert.Equal(t, "alice", grant.SubjectID)
	assert.Equal(t, "https://app.example/cb", grant.RedirectURI)

	_, err = f.service.RedeemCode(ctx, "acme", code)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRedeemCode_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	code, err := f.service.CreateAuthorizationCode(ctx, "acme", &CodeGrant{
		SubjectID: "alice",
		ClientID:  "web-app",
	}, 0)
	require.NoError(t, err)

	const workers = 16
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.service.RedeemCode(ctx, "acme", code)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidGrant)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.service.CreateRefreshToken(ctx, &RefreshTokenRequest{
		TenantID:  "acme",
		ClientID:  "web-app",
		SubjectID: "alice",
		SessionID: "sess-1",
		Scopes:    []string{"openid", "offline_access"},
	})
	require.NoError(t, err)

	grant, err := f.service.RedeemRefresh(ctx, "acme", r1)
	require.NoError(t, err)
	assert.Equal(t, "alice", grant.SubjectID)

	// The redeemed handle is dead; the replacement works.
	_, err = f.service.RedeemRefresh(ctx, "acme", r1)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	r2, err := f.service.CreateRefreshToken(ctx, &RefreshTokenRequest{
		TenantID:  "acme",
		ClientID:  "web-app",
		SubjectID: grant.SubjectID,
		SessionID: grant.SessionID,
		Scopes:    grant.Scopes,
	})
	require.NoError(t, err)

	_, err = f.service.RedeemRefresh(ctx, "acme", r2)
	require.NoError(t, err)
}

func TestRevoke_FamilyCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	mint := func(session string) string {
		handle, err := f.service.CreateRefreshToken(ctx, &RefreshTokenRequest{
			TenantID:  "acme",
			ClientID:  "web-app",
			SubjectID: "alice",
			SessionID: session,
		})
		require.NoError(t, err)
		return handle
	}
	r1 := mint("sess-1")
	r2 := mint("sess-1")
	other := mint("sess-2")

	require.NoError(t, f.service.Revoke(ctx, "acme", r1))

	_, err := f.service.RedeemRefresh(ctx, "acme", r2)
	assert.ErrorIs(t, err, ErrInvalidGrant, "same-session sibling must be revoked")

	_, err = f.service.RedeemRefresh(ctx, "acme", other)
	assert.NoError(t, err, "other sessions are untouched")

	t.Run("unknown handle succeeds silently", func(t *testing.T) {
		assert.NoError(t, f.service.Revoke(ctx, "acme", "garbage"))
	})
}

func TestAccessToken_NoSigningCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.CreateAccessToken(ctx, &AccessTokenRequest{
		TenantID: "globex", // no keys provisioned
		ClientID: "web-app",
		Issuer:   "https://idp.example.com",
	})
	assert.ErrorIs(t, err, signing.ErrNoSigningCredentials)
}
