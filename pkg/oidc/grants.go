// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"net/http"
	"strings"
	"time"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
	"github.com/stacklok/idhive/pkg/tokens"
)

// Grant type identifiers accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
)

// ScopeOfflineAccess requests a refresh token.
const ScopeOfflineAccess = "offline_access"

// tokenResponse is the token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken implements POST /connect/token.
func (s *Service) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	if err := r.ParseForm(); err != nil {
		writeError(w, NewError(ErrCodeInvalidRequest, "malformed form body"))
		return
	}
	client, perr := s.authenticateClient(ctx, tenantID, r)
	if perr != nil {
		writeError(w, perr)
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType == "" {
		writeError(w, NewError(ErrCodeInvalidRequest, "grant_type is required"))
		return
	}
	if !clientAllowsGrant(client, grantType) {
		writeError(w, NewError(ErrCodeUnauthorizedClient, "client may not use this grant type"))
		return
	}

	issuer := s.resolver.Issuer(tenant.FromContext(ctx), r)

	var (
		resp *tokenResponse
		err  *ProtocolError
	)
	switch grantType {
	case GrantTypeAuthorizationCode:
		resp, err = s.grantAuthorizationCode(ctx, tenantID, issuer, client, r)
	case GrantTypeRefreshToken:
		resp, err = s.grantRefreshToken(ctx, tenantID, issuer, client, r)
	case GrantTypeClientCredentials:
		resp, err = s.grantClientCredentials(ctx, tenantID, issuer, client, r)
	case GrantTypeDeviceCode:
		resp, err = s.grantPolling(ctx, tenantID, issuer, client, r.PostFormValue("device_code"), storage.GrantDeviceCode)
	case GrantTypeCIBA:
		resp, err = s.grantPolling(ctx, tenantID, issuer, client, r.PostFormValue("auth_req_id"), storage.GrantCIBARequest)
	default:
		err = NewError(ErrCodeUnsupportedGrantType, grantType)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) grantAuthorizationCode(ctx context.Context, tenantID, issuer string, client *storage.Client, r *http.Request) (*tokenResponse, *ProtocolError) {
	code := r.PostFormValue("code")
	if code == "" {
		return nil, NewError(ErrCodeInvalidRequest, "code is required")
	}
	grant, err := s.tokens.RedeemCode(ctx, tenantID, code)
	if err != nil {
		return nil, translateError(err)
	}
	if grant.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, "")
	}
	if grant.RedirectURI != r.PostFormValue("redirect_uri") {
		return nil, NewError(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if grant.CodeChallenge != "" {
		verifier := r.PostFormValue("code_verifier")
		if !idcrypto.VerifyPKCE(verifier, grant.CodeChallenge, grant.CodeChallengeMethod) {
			return nil, NewError(ErrCodeInvalidGrant, "PKCE verification failed")
		}
	}

	return s.mintTokens(ctx, tenantID, issuer, client, &mintRequest{
		SubjectID: grant.SubjectID,
		SessionID: grant.SessionID,
		Scopes:    grant.Scopes,
		Nonce:     grant.Nonce,
		AuthTime:  grant.AuthTime,
		AMR:       grant.AMR,
		ACR:       grant.ACR,
		Claims:    grant.Claims,
		Code:      code,
	})
}

func (s *Service) grantRefreshToken(ctx context.Context, tenantID, issuer string, client *storage.Client, r *http.Request) (*tokenResponse, *ProtocolError) {
	handle := r.PostFormValue("refresh_token")
	if handle == "" {
		return nil, NewError(ErrCodeInvalidRequest, "refresh_token is required")
	}
	grant, err := s.tokens.RedeemRefresh(ctx, tenantID, handle)
	if err != nil {
		return nil, translateError(err)
	}
	if grant.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, "")
	}

	scopes := grant.Scopes
	if requested := strings.Fields(r.PostFormValue("scope")); len(requested) > 0 {
		// Narrowing only: a refresh may not widen the original grant.
		granted := make(map[string]bool, len(grant.Scopes))
		for _, sc := range grant.Scopes {
			granted[sc] = true
		}
		for _, sc := range requested {
			if !granted[sc] {
				return nil, NewError(ErrCodeInvalidScope, "scope exceeds the original grant")
			}
		}
		scopes = requested
	}

	return s.mintTokens(ctx, tenantID, issuer, client, &mintRequest{
		SubjectID: grant.SubjectID,
		SessionID: grant.SessionID,
		Scopes:    scopes,
		Claims:    grant.Claims,
		Rotate:    true,
	})
}

func (s *Service) grantClientCredentials(ctx context.Context, tenantID, issuer string, client *storage.Client, r *http.Request) (*tokenResponse, *ProtocolError) {
	scopes, perr := validateScopes(client, strings.Fields(r.PostFormValue("scope")))
	if perr != nil {
		return nil, perr
	}
	lifetime := accessLifetime(ctx, client)
	accessToken, err := s.tokens.CreateAccessToken(ctx, &tokens.AccessTokenRequest{
		TenantID: tenantID,
		ClientID: client.ClientID,
		Issuer:   issuer,
		Scopes:   scopes,
		Lifetime: lifetime,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(lifetime.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// mintRequest gathers everything the shared minting path needs.
type mintRequest struct {
	SubjectID string
	SessionID string
	Scopes    []string
	Nonce     string
	AuthTime  *time.Time
	AMR       []string
	ACR       string
	Claims    map[string]any

	// Code feeds the id token's c_hash on code redemptions.
	Code string

	// Rotate always issues a replacement refresh token.
	Rotate bool
}

// mintTokens issues the access token, the id token when openid was granted,
// and a refresh token when offline_access was granted (or the request is a
// rotation).
func (s *Service) mintTokens(ctx context.Context, tenantID, issuer string, client *storage.Client, req *mintRequest) (*tokenResponse, *ProtocolError) {
	lifetime := accessLifetime(ctx, client)
	accessToken, err := s.tokens.CreateAccessToken(ctx, &tokens.AccessTokenRequest{
		TenantID:  tenantID,
		ClientID:  client.ClientID,
		SubjectID: req.SubjectID,
		SessionID: req.SessionID,
		Issuer:    issuer,
		Scopes:    req.Scopes,
		Lifetime:  lifetime,
		Claims:    req.Claims,
	})
	if err != nil {
		return nil, translateError(err)
	}

	resp := &tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(lifetime.Seconds()),
		Scope:       strings.Join(req.Scopes, " "),
	}

	if hasScope(req.Scopes, "openid") && req.SubjectID != "" {
		idToken, err := s.tokens.CreateIDToken(ctx, &tokens.IDTokenRequest{
			TenantID:  tenantID,
			ClientID:  client.ClientID,
			SubjectID: req.SubjectID,
			SessionID: req.SessionID,
			Issuer:    issuer,
			Nonce:     req.Nonce,
			AuthTime:  req.AuthTime,
			AMR:       req.AMR,
			ACR:       req.ACR,
			Lifetime:  idLifetime(ctx, client),
			Claims:    req.Claims,
		}, accessToken, req.Code)
		if err != nil {
			return nil, translateError(err)
		}
		resp.IDToken = idToken
	}

	if req.Rotate || (hasScope(req.Scopes, ScopeOfflineAccess) && clientAllowsGrant(client, GrantTypeRefreshToken)) {
		refreshToken, err := s.tokens.CreateRefreshToken(ctx, &tokens.RefreshTokenRequest{
			TenantID:  tenantID,
			ClientID:  client.ClientID,
			SubjectID: req.SubjectID,
			SessionID: req.SessionID,
			Scopes:    req.Scopes,
			Lifetime:  refreshLifetime(ctx, client),
			Claims:    req.Claims,
		})
		if err != nil {
			return nil, translateError(err)
		}
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// accessLifetime resolves client override, then tenant default, then the
// platform default.
func accessLifetime(ctx context.Context, client *storage.Client) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return time.Duration(client.AccessTokenLifetime) * time.Second
	}
	if info := tenant.FromContext(ctx); info != nil && info.DefaultAccessTokenLifetime > 0 {
		return time.Duration(info.DefaultAccessTokenLifetime) * time.Second
	}
	return tokens.DefaultAccessTokenLifetime
}

func idLifetime(ctx context.Context, client *storage.Client) time.Duration {
	if client.IDTokenLifetime > 0 {
		return time.Duration(client.IDTokenLifetime) * time.Second
	}
	if info := tenant.FromContext(ctx); info != nil && info.DefaultIDTokenLifetime > 0 {
		return time.Duration(info.DefaultIDTokenLifetime) * time.Second
	}
	return tokens.DefaultIDTokenLifetime
}

func refreshLifetime(ctx context.Context, client *storage.Client) time.Duration {
	if client.RefreshTokenLifetime > 0 {
		return time.Duration(client.RefreshTokenLifetime) * time.Second
	}
	if info := tenant.FromContext(ctx); info != nil && info.DefaultRefreshTokenLifetime > 0 {
		return time.Duration(info.DefaultRefreshTokenLifetime) * time.Second
	}
	return tokens.DefaultRefreshTokenLifetime
}
