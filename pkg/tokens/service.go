// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
)

// Service mints and redeems tokens. Grants are written before any handle is
// returned, and redemption rides on the store's compare-and-set so a handle
// is redeemable at most once.
type Service struct {
	grants      storage.GrantStore
	credentials *signing.CredentialStore
	handles     *HandleIssuer
	emitter     *events.Emitter
	providers   []ClaimsProvider

	defaultAlgorithm string
	familyRevocation bool
}

// Option configures a Service.
type Option func(*Service)

// WithClaimsProviders registers claims providers, invoked in order during
// access-token assembly.
func WithClaimsProviders(providers ...ClaimsProvider) Option {
	return func(s *Service) {
		s.providers = append(s.providers, providers...)
	}
}

// WithDefaultAlgorithm overrides the signing algorithm used when a request
// does not name one.
func WithDefaultAlgorithm(alg string) Option {
	return func(s *Service) {
		s.defaultAlgorithm = alg
	}
}

// WithFamilyRevocation controls whether revoking a refresh token cascades
// to every refresh token of the same session. Defaults to on.
func WithFamilyRevocation(enabled bool) Option {
	return func(s *Service) {
		s.familyRevocation = enabled
	}
}

// NewService creates a token Service. emitter may be nil.
func NewService(grants storage.GrantStore, credentials *signing.CredentialStore, handles *HandleIssuer, emitter *events.Emitter, opts ...Option) *Service {
	s := &Service{
		grants:           grants,
		credentials:      credentials,
		handles:          handles,
		emitter:          emitter,
		defaultAlgorithm: "ES256",
		familyRevocation: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// setIfAbsent merges src into dst keeping earlier values: duplicate claim
// types are dropped silently.
func setIfAbsent(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// assembleAccessClaims builds the access-token claim set in precedence
// order: protocol claims, DPoP confirmation, session id, claims providers,
// caller-supplied claims. Earlier sources always win.
func (s *Service) assembleAccessClaims(ctx context.Context, req *AccessTokenRequest, now time.Time, lifetime time.Duration) (map[string]any, error) {
	claims := map[string]any{
		"client_id": req.ClientID,
		"scope":     req.Scopes,
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
		"iss":       req.Issuer,
	}
	if req.SubjectID != "" {
		claims["sub"] = req.SubjectID
	}
	if len(req.Audience) > 0 {
		claims["aud"] = req.Audience
	}
	if req.TenantID != "" {
		claims["tenant_id"] = req.TenantID
	}

	if req.DPoPKeyThumbprint != "" {
		setIfAbsent(claims, map[string]any{"cnf": map[string]any{"jkt": req.DPoPKeyThumbprint}})
	}
	if req.SessionID != "" {
		setIfAbsent(claims, map[string]any{"sid": req.SessionID})
	}

	pctx := ProviderContext{
		TenantID:  req.TenantID,
		ClientID:  req.ClientID,
		SubjectID: req.SubjectID,
		Scopes:    req.Scopes,
	}
	for _, provider := range s.providers {
		extra, err := provider.Claims(ctx, pctx)
		if err != nil {
			return nil, fmt.Errorf("claims provider failed: %w", err)
		}
		setIfAbsent(claims, extra)
	}

	setIfAbsent(claims, req.Claims)
	return claims, nil
}

// CreateAccessToken mints an access token: a signed JWT, or an opaque
// reference handle when the request asks for one.
func (s *Service) CreateAccessToken(ctx context.Context, req *AccessTokenRequest) (string, error) {
	if req.ClientID == "" {
		return "", fmt.Errorf("client ID is required")
	}
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}
	now := time.Now()

	claims, err := s.assembleAccessClaims(ctx, req, now, lifetime)
	if err != nil {
		return "", err
	}

	var token string
	if req.IsReference {
		token, err = s.createReferenceToken(ctx, req, claims, now, lifetime)
	} else {
		token, err = s.signJWT(ctx, req.TenantID, req.Algorithm, "at+jwt", claims)
	}
	if err != nil {
		return "", err
	}

	if s.emitter != nil {
		s.emitter.Emit(ctx, events.Event{
			Name:      events.TokenIssued,
			TenantID:  req.TenantID,
			ClientID:  req.ClientID,
			SubjectID: req.SubjectID,
			Details:   map[string]any{"reference": req.IsReference},
		})
	}
	return token, nil
}

func (s *Service) createReferenceToken(ctx context.Context, req *AccessTokenRequest, claims map[string]any, now time.Time, lifetime time.Duration) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize claims: %w", err)
	}
	handle, key, err := s.handles.Issue(ctx)
	if err != nil {
		return "", err
	}
	grant := &storage.PersistedGrant{
		Key:       key,
		Type:      storage.GrantReferenceToken,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Scopes:    req.Scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
		Payload:   payload,
	}
	if err := s.grants.StoreGrant(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to persist reference token: %w", err)
	}
	return handle, nil
}

// CreateIDToken mints an ID token. at_hash and c_hash are computed from the
// access token and authorization code when provided, using the left-half
// rule with the hash matching the signing algorithm.
func (s *Service) CreateIDToken(ctx context.Context, req *IDTokenRequest, accessToken, code string) (string, error) {
	if req.SubjectID == "" {
		return "", fmt.Errorf("ID token requires a subject")
	}
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultIDTokenLifetime
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = s.defaultAlgorithm
	}
	now := time.Now()

	claims := map[string]any{
		"sub": req.SubjectID,
		"aud": []string{req.ClientID},
		"iss": req.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	if req.AuthTime != nil {
		claims["auth_time"] = req.AuthTime.Unix()
	}
	if len(req.AMR) > 0 {
		claims["amr"] = req.AMR
	}
	if req.ACR != "" {
		claims["acr"] = req.ACR
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.SessionID != "" {
		claims["sid"] = req.SessionID
	}
	if req.TenantID != "" {
		claims["tenant_id"] = req.TenantID
	}

	if accessToken != "" {
		atHash, err := idcrypto.LeftHalfHash(algorithm, accessToken)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = atHash
	}
	if code != "" {
		cHash, err := idcrypto.LeftHalfHash(algorithm, code)
		if err != nil {
			return "", err
		}
		claims["c_hash"] = cHash
	}
	setIfAbsent(claims, req.Claims)

	return s.signJWT(ctx, req.TenantID, algorithm, "JWT", claims)
}

// CreateRefreshToken persists a refresh grant and returns its opaque
// handle.
func (s *Service) CreateRefreshToken(ctx context.Context, req *RefreshTokenRequest) (string, error) {
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultRefreshTokenLifetime
	}
	payload, err := json.Marshal(&RefreshGrant{
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		Scopes:    req.Scopes,
		Claims:    req.Claims,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize refresh grant: %w", err)
	}

	handle, key, err := s.handles.Issue(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	grant := &storage.PersistedGrant{
		Key:       key,
		Type:      storage.GrantRefreshToken,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Scopes:    req.Scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
		Payload:   payload,
	}
	if err := s.grants.StoreGrant(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return handle, nil
}

// CreateAuthorizationCode persists a code grant and returns its opaque
// handle.
func (s *Service) CreateAuthorizationCode(ctx context.Context, tenantID string, grant *CodeGrant, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultCodeLifetime
	}
	payload, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("failed to serialize code grant: %w", err)
	}

	handle, key, err := s.handles.Issue(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	rec := &storage.PersistedGrant{
		Key:       key,
		Type:      storage.GrantAuthorizationCode,
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		TenantID:  tenantID,
		SessionID: grant.SessionID,
		Scopes:    grant.Scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
		Payload:   payload,
	}
	if err := s.grants.StoreGrant(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist authorization code: %w", err)
	}
	return handle, nil
}

// redeem consumes the grant behind a handle, enforcing the expected type.
// Every failure collapses into ErrInvalidGrant.
func (s *Service) redeem(ctx context.Context, tenantID, handle string, typ storage.GrantType) (*storage.PersistedGrant, error) {
	key, err := s.handles.Key(ctx, handle)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	grant, err := s.grants.ConsumeGrant(ctx, tenantID, key)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound),
			errors.Is(err, storage.ErrExpired),
			errors.Is(err, storage.ErrAlreadyConsumed):
			logger.Debugw("grant redemption refused", "type", string(typ), "reason", err.Error())
			return nil, ErrInvalidGrant
		default:
			return nil, fmt.Errorf("failed to consume grant: %w", err)
		}
	}
	if grant.Type != typ {
		return nil, ErrInvalidGrant
	}
	return grant, nil
}

// RedeemCode consumes an authorization code exactly once.
func (s *Service) RedeemCode(ctx context.Context, tenantID, code string) (*CodeGrant, error) {
	grant, err := s.redeem(ctx, tenantID, code, storage.GrantAuthorizationCode)
	if err != nil {
		return nil, err
	}
	out := &CodeGrant{}
	if err := json.Unmarshal(grant.Payload, out); err != nil {
		return nil, fmt.Errorf("failed to decode code grant: %w", err)
	}
	return out, nil
}

// RedeemRefresh consumes a refresh token exactly once. The caller re-mints
// tokens and issues a replacement handle (rotation).
func (s *Service) RedeemRefresh(ctx context.Context, tenantID, handle string) (*RefreshGrant, error) {
	grant, err := s.redeem(ctx, tenantID, handle, storage.GrantRefreshToken)
	if err != nil {
		return nil, err
	}
	out := &RefreshGrant{}
	if err := json.Unmarshal(grant.Payload, out); err != nil {
		return nil, fmt.Errorf("failed to decode refresh grant: %w", err)
	}
	return out, nil
}

// LookupReference resolves a reference access token without consuming it,
// for introspection and userinfo.
func (s *Service) LookupReference(ctx context.Context, tenantID, handle string) (map[string]any, error) {
	key, err := s.handles.Key(ctx, handle)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	grant, err := s.grants.GetGrant(ctx, tenantID, key)
	if err != nil || grant.Type != storage.GrantReferenceToken {
		return nil, ErrInvalidGrant
	}
	claims := map[string]any{}
	if err := json.Unmarshal(grant.Payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode reference token: %w", err)
	}
	return claims, nil
}

// Revoke invalidates the grant behind a handle. Unknown handles succeed
// silently (RFC 7009). Revoking a refresh token cascades to the session's
// other refresh tokens when family revocation is on.
func (s *Service) Revoke(ctx context.Context, tenantID, handle string) error {
	key, err := s.handles.Key(ctx, handle)
	if err != nil {
		return nil
	}
	grant, err := s.grants.GetGrant(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil
		}
		return err
	}
	if err := s.grants.DeleteGrant(ctx, tenantID, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if !s.familyRevocation || grant.Type != storage.GrantRefreshToken || grant.SessionID == "" {
		return nil
	}
	family, err := s.grants.ListGrantsBySession(ctx, tenantID, grant.SessionID)
	if err != nil {
		return fmt.Errorf("failed to list grant family: %w", err)
	}
	for _, member := range family {
		if member.Type != storage.GrantRefreshToken {
			continue
		}
		if err := s.grants.DeleteGrant(ctx, tenantID, member.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	logger.Infow("revoked refresh token family",
		"tenant_id", tenantID, "session_id", grant.SessionID, "members", len(family))
	return nil
}

// signJWT signs claims with the tenant's active credential. The token is
// never logged.
func (s *Service) signJWT(ctx context.Context, tenantID, algorithm, typ string, claims map[string]any) (string, error) {
	if algorithm == "" {
		algorithm = s.defaultAlgorithm
	}
	cred, err := s.credentials.Active(ctx, tenantID, algorithm)
	if err != nil {
		return "", err
	}
	method := jwt.GetSigningMethod(cred.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm: %s", cred.Algorithm)
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	token.Header["kid"] = cred.KeyID
	token.Header["typ"] = typ

	var key any
	if cred.Material.Signer != nil {
		key = cred.Material.Signer
	} else {
		key = cred.Material.SymmetricKey
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
