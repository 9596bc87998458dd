// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/tenant"
)

// resolveToken turns a presented access token into its claim set: reference
// handles resolve through the grant store, JWTs through signature
// verification. Invalid tokens return nil claims, not an error.
func (s *Service) resolveToken(ctx context.Context, tenantID, raw string) map[string]any {
	if raw == "" {
		return nil
	}
	// JWTs have two dots; anything else can only be a reference handle.
	if strings.Count(raw, ".") == 2 {
		claims, err := s.verifier.VerifyAccessToken(ctx, raw)
		if err != nil {
			logger.Debugw("access token rejected", "error", err)
			return nil
		}
		return claims
	}
	claims, err := s.tokens.LookupReference(ctx, tenantID, raw)
	if err != nil {
		return nil
	}
	return claims
}

// bearerToken extracts the bearer token from the Authorization header or,
// for POST userinfo, the access_token form field.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}

// HandleUserinfo implements GET/POST /connect/userinfo. Claims are released
// per the token's granted scopes, resolved through the identity resources.
func (s *Service) HandleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	claims := s.resolveToken(ctx, tenantID, bearerToken(r))
	if claims == nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, &ProtocolError{Code: "invalid_token", Status: http.StatusUnauthorized})
		return
	}
	scopes := claimScopes(claims)
	sub, _ := claims["sub"].(string)
	if sub == "" || !hasScope(scopes, "openid") {
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		writeError(w, &ProtocolError{Code: "insufficient_scope", Status: http.StatusForbidden})
		return
	}

	// The token's own tenant wins over the (possibly unresolved) request
	// tenant so a platform-scoped call still reaches the right user.
	if tokenTenant, _ := claims["tenant_id"].(string); tokenTenant != "" {
		tenantID = tokenTenant
	}
	user, err := s.store.GetUser(ctx, tenantID, sub)
	if err != nil {
		writeError(w, &ProtocolError{Code: "invalid_token", Status: http.StatusUnauthorized})
		return
	}

	out := map[string]any{"sub": sub}
	if hasScope(scopes, "profile") {
		out["preferred_username"] = user.Username
	}
	if hasScope(scopes, "email") && user.Email != "" {
		out["email"] = user.Email
	}

	// Identity resources map the remaining scopes onto user claim types.
	identity, _, err := s.store.FindResourcesByScopes(ctx, tenantID, scopes)
	if err == nil {
		for _, res := range identity {
			for _, claimType := range res.ClaimTypes {
				if v, ok := user.Claims[claimType]; ok {
					out[claimType] = v
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// claimScopes reads the scope claim in either of its serialized shapes.
func claimScopes(claims map[string]any) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// HandleIntrospect implements POST /connect/introspect (RFC 7662).
func (s *Service) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	if _, perr := s.authenticateClient(ctx, tenantID, r); perr != nil {
		writeError(w, perr)
		return
	}

	claims := s.resolveToken(ctx, tenantID, r.PostFormValue("token"))
	if claims == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	out := map[string]any{
		"active":     true,
		"token_type": "Bearer",
		"scope":      strings.Join(claimScopes(claims), " "),
	}
	for _, k := range []string{"sub", "client_id", "iss", "exp", "iat", "nbf", "aud", "jti", "tenant_id", "sid"} {
		if v, ok := claims[k]; ok {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleRevocation implements POST /connect/revocation (RFC 7009). Unknown
// tokens succeed silently.
func (s *Service) HandleRevocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	if _, perr := s.authenticateClient(ctx, tenantID, r); perr != nil {
		writeError(w, perr)
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeError(w, NewError(ErrCodeInvalidRequest, "token is required"))
		return
	}
	if err := s.tokens.Revoke(ctx, tenantID, token); err != nil {
		writeError(w, translateError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleEndSession implements GET/POST /connect/endsession. The id token
// hint identifies the session and the client; a registered post-logout
// redirect URI is honored, anything else gets a plain 200.
func (s *Service) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	var values url.Values
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		values = r.PostForm
	} else {
		values = r.URL.Query()
	}

	hint := values.Get("id_token_hint")
	clientID, sessionID := s.endSessionContext(ctx, hint)
	if sessionID != "" {
		if err := s.store.DeleteSession(ctx, tenantID, sessionID); err != nil {
			logger.Debugw("end-session could not remove session", "session_id", sessionID, "error", err)
		}
	}

	redirectURI := values.Get("post_logout_redirect_uri")
	if redirectURI != "" && clientID != "" {
		client, err := s.store.GetClient(ctx, tenantID, clientID)
		if err == nil && validatePostLogoutRedirectURI(client, redirectURI) {
			target, parseErr := url.Parse(redirectURI)
			if parseErr == nil {
				if state := values.Get("state"); state != "" {
					q := target.Query()
					q.Set("state", state)
					target.RawQuery = q.Encode()
				}
				http.Redirect(w, r, target.String(), http.StatusFound)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// endSessionContext extracts the client and session from an id token hint.
// Per spec the hint may be expired, so only the signature is checked.
func (s *Service) endSessionContext(ctx context.Context, hint string) (clientID, sessionID string) {
	if hint == "" {
		return "", ""
	}
	claims, err := s.verifier.VerifyAccessToken(ctx, hint)
	if err != nil {
		// Retry without verification: a logout with an expired id token is
		// valid. Unverified hints only identify the session, never the
		// client, so they cannot steer the post-logout redirect.
		unverified := jwt.MapClaims{}
		if _, _, parseErr := jwt.NewParser().ParseUnverified(hint, unverified); parseErr != nil {
			return "", ""
		}
		sessionID, _ = unverified["sid"].(string)
		return "", sessionID
	}
	sessionID, _ = claims["sid"].(string)
	if aud, ok := claims["aud"].([]any); ok && len(aud) > 0 {
		clientID, _ = aud[0].(string)
	}
	return clientID, sessionID
}
