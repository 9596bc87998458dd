// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idhive/pkg/storage"
)

// authenticateClient resolves and authenticates the OAuth client for a
// token-style request. Credentials are taken from HTTP Basic auth first,
// then from the form body. Public clients authenticate by client_id alone.
func (s *Service) authenticateClient(ctx context.Context, tenantID string, r *http.Request) (*storage.Client, *ProtocolError) {
	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		// Basic auth credentials are form-urlencoded per RFC 6749 §2.3.1.
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
	} else {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil, NewError(ErrCodeInvalidClient, "client authentication required")
	}

	client, err := s.store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, NewError(ErrCodeInvalidClient, "unknown client")
	}

	if client.Public {
		return client, nil
	}
	if clientSecret == "" {
		return nil, NewError(ErrCodeInvalidClient, "client authentication required")
	}
	for _, hash := range client.SecretHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)) == nil {
			return client, nil
		}
	}
	return nil, NewError(ErrCodeInvalidClient, "invalid client credentials")
}

// clientAllowsGrant reports whether the client may use a grant type.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	for _, g := range client.AllowedGrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// validateScopes checks every requested scope against the client's allowed
// set and returns the validated list. An empty request falls back to the
// client's full allowed set.
func validateScopes(client *storage.Client, requested []string) ([]string, *ProtocolError) {
	if len(requested) == 0 {
		return append([]string{}, client.AllowedScopes...), nil
	}
	allowed := make(map[string]bool, len(client.AllowedScopes))
	for _, s := range client.AllowedScopes {
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return nil, NewError(ErrCodeInvalidScope, "scope not allowed: "+s)
		}
	}
	return requested, nil
}

// validateRedirectURI checks the requested redirect URI against the
// client's registered list: exact string match, plus the IsNativeClient
// relaxations — a loopback-IP registration matches any port, and custom
// (non-http) schemes match exactly.
func validateRedirectURI(client *storage.Client, requested string) *ProtocolError {
	if requested == "" {
		return NewError(ErrCodeInvalidRequest, "redirect_uri is required")
	}
	for _, registered := range client.RedirectURIs {
		if registered == requested {
			return nil
		}
		if IsNativeClient(registered) && loopbackMatch(registered, requested) {
			return nil
		}
	}
	return &ProtocolError{
		Code:        "redirect_uri_mismatch",
		Description: "redirect_uri is not registered for this client",
		Status:      http.StatusBadRequest,
	}
}

// IsNativeClient reports whether a registered redirect URI belongs to a
// native app: a loopback-IP http URI or a custom (non-http/https) scheme.
func IsNativeClient(registered string) bool {
	u, err := url.Parse(registered)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http":
		return isLoopbackHost(u.Hostname())
	case "https", "":
		return false
	default:
		// Custom scheme, e.g. com.example.app:/callback.
		return true
	}
}

// loopbackMatch relaxes the exact-match rule for loopback redirect URIs:
// the requested URI may use any port as long as scheme, host, and path
// match the registration (RFC 8252 §7.3).
func loopbackMatch(registered, requested string) bool {
	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	req, err := url.Parse(requested)
	if err != nil {
		return false
	}
	if reg.Scheme != "http" || req.Scheme != "http" {
		// Custom schemes already passed the exact-match check.
		return false
	}
	return isLoopbackHost(req.Hostname()) &&
		reg.Hostname() == req.Hostname() &&
		reg.Path == req.Path
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validatePostLogoutRedirectURI checks an end-session redirect target.
func validatePostLogoutRedirectURI(client *storage.Client, requested string) bool {
	for _, registered := range client.PostLogoutRedirectURIs {
		if registered == requested {
			return true
		}
	}
	return false
}
