// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"net/http"
	"time"

	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

// HandleDiscovery implements GET /.well-known/openid-configuration. The
// issuer (and every endpoint under it) follows the tenant's resolved
// issuer, so each tenant publishes its own document.
func (s *Service) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := s.resolver.Issuer(tenant.FromContext(r.Context()), r)

	doc := map[string]any{
		"issuer":                                issuer,
		"jwks_uri":                              issuer + "/.well-known/jwks",
		"authorization_endpoint":                issuer + "/connect/authorize",
		"token_endpoint":                        issuer + "/connect/token",
		"userinfo_endpoint":                     issuer + "/connect/userinfo",
		"revocation_endpoint":                   issuer + "/connect/revocation",
		"introspection_endpoint":                issuer + "/connect/introspect",
		"end_session_endpoint":                  issuer + "/connect/endsession",
		"device_authorization_endpoint":         issuer + "/connect/deviceauthorization",
		"pushed_authorization_request_endpoint": issuer + "/connect/par",
		"backchannel_authentication_endpoint":   issuer + "/connect/ciba",

		"response_types_supported": []string{"code"},
		"grant_types_supported": []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
			GrantTypeDeviceCode,
			GrantTypeCIBA,
		},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256", "ES256"},
		"scopes_supported":                      []string{"openid", "profile", "email", ScopeOfflineAccess},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"claims_parameter_supported":            false,
		"request_uri_parameter_supported":       true,
		"backchannel_token_delivery_modes_supported": []string{"poll"},
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, doc)
}

// HandleJWKS implements GET /.well-known/jwks. Inactive keys stay published
// through the grace window so in-flight tokens keep verifying.
func (s *Service) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	records, err := s.store.ListKeys(ctx, tenantID, storage.KeyUseSigning)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	set, err := keys.BuildJWKS(records, keys.DefaultJWKSGrace, time.Now())
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}
