// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/storage"
)

// RedirectView instructs the front-end to send the browser to an upstream
// identity provider.
const RedirectView = "_Redirect"

// Journey-data keys holding federation round-trip state.
const (
	fedStateKey = "_fed_state"
	fedNonceKey = "_fed_nonce"
)

// OidcFederation delegates authentication to an upstream OIDC provider.
// The first invocation builds the authorization URL and suspends; the
// resume invocation exchanges the code, verifies the ID token (issuer,
// audience, nonce), and maps the upstream identity onto a local user.
// Config:
//
//	issuer, client_id, client_secret, redirect_url, scopes,
//	provider_name, auto_provision
type OidcFederation struct {
	// newProvider is swappable for tests; nil uses oidc.NewProvider
	// discovery.
	newProvider func(ctx context.Context, issuer string) (*oidc.Provider, error)
}

// NewOidcFederation returns the oidc_federation step handler.
func NewOidcFederation() *OidcFederation {
	return &OidcFederation{newProvider: oidc.NewProvider}
}

// Type implements journey.Handler.
func (*OidcFederation) Type() string { return "oidc_federation" }

// Execute implements journey.Handler.
func (h *OidcFederation) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	issuer := ec.ConfigString("issuer", "")
	clientID := ec.ConfigString("client_id", "")
	redirectURL := ec.ConfigString("redirect_url", "")
	if issuer == "" || clientID == "" || redirectURL == "" {
		return nil, fmt.Errorf("%w: oidc_federation step %s needs issuer, client_id, and redirect_url",
			journey.ErrStepConfig, ec.Step.ID)
	}

	provider, err := h.newProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream provider: %w", err)
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: ec.ConfigString("client_secret", ""),
		Endpoint:     provider.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       h.scopes(ec),
	}

	if ec.InputString("code") == "" {
		return h.begin(ec, conf)
	}
	return h.finish(ctx, ec, provider, conf, clientID)
}

func (h *OidcFederation) begin(ec *journey.ExecutionContext, conf *oauth2.Config) (*journey.StepResult, error) {
	state, err := idcrypto.RandomHandle(32)
	if err != nil {
		return nil, err
	}
	nonce, err := idcrypto.RandomHandle(32)
	if err != nil {
		return nil, err
	}
	ec.SetData(fedStateKey, state)
	ec.SetData(fedNonceKey, nonce)

	return journey.RequireInput(RedirectView, map[string]any{
		"redirect_url": conf.AuthCodeURL(state, oidc.Nonce(nonce)),
	}), nil
}

func (h *OidcFederation) finish(ctx context.Context, ec *journey.ExecutionContext, provider *oidc.Provider, conf *oauth2.Config, clientID string) (*journey.StepResult, error) {
	expectedState, _ := ec.Data(fedStateKey)
	if s, _ := expectedState.(string); s == "" ||
		subtle.ConstantTimeCompare([]byte(s), []byte(ec.InputString("state"))) != 1 {
		return journey.Fail("federation_failed", "state mismatch on federation callback"), nil
	}

	token, err := conf.Exchange(ctx, ec.InputString("code"))
	if err != nil {
		return journey.Fail("federation_failed", "code exchange with upstream provider failed"), nil
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return journey.Fail("federation_failed", "upstream provider returned no id_token"), nil
	}

	idToken, err := provider.Verifier(&oidc.Config{ClientID: clientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return journey.Fail("federation_failed", "upstream id_token failed verification"), nil
	}
	expectedNonce, _ := ec.Data(fedNonceKey)
	if n, _ := expectedNonce.(string); n == "" || idToken.Nonce != n {
		return journey.Fail("federation_failed", "nonce mismatch in upstream id_token"), nil
	}

	var claims struct {
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		PreferredUsername string `json:"preferred_username"`
		Name              string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode upstream claims: %w", err)
	}
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		return journey.Fail("federation_failed", "upstream id_token carries no usable identifier"), nil
	}

	user, err := h.resolveUser(ctx, ec, username, claims.Email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return journey.Fail("access_denied", "no local account and auto-provisioning is disabled"), nil
	}

	ec.SetUser(user)
	ec.SetData("auth_time", time.Now().Unix())
	ec.SetData("idp", ec.ConfigString("provider_name", idToken.Issuer))
	ec.SetData(fedStateKey, "")
	ec.SetData(fedNonceKey, "")
	ec.AppendAMR("ext")

	ec.Capabilities.Events.Emit(ctx, events.Event{
		Name:      events.UserAuthenticated,
		TenantID:  ec.State.TenantID,
		ClientID:  ec.State.ClientID,
		SubjectID: user.ID,
		Details:   map[string]any{"method": "oidc_federation", "issuer": idToken.Issuer},
	})
	return journey.Success(nil), nil
}

func (*OidcFederation) scopes(ec *journey.ExecutionContext) []string {
	raw, _ := ec.Config("scopes")
	list, _ := raw.([]any)
	scopes := []string{oidc.ScopeOpenID}
	for _, v := range list {
		if s, ok := v.(string); ok && s != oidc.ScopeOpenID {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 1 {
		scopes = append(scopes, "profile", "email")
	}
	return scopes
}

func (h *OidcFederation) resolveUser(ctx context.Context, ec *journey.ExecutionContext, username, email string) (*storage.User, error) {
	user, err := ec.Capabilities.Users.GetUserByUsername(ctx, ec.State.TenantID, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !ec.ConfigBool("auto_provision") {
		return nil, nil
	}

	now := time.Now()
	user = &storage.User{
		ID:        uuid.NewString(),
		TenantID:  ec.State.TenantID,
		Username:  username,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ec.Capabilities.Users.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	ec.Capabilities.Events.Emit(ctx, events.Event{
		Name:      events.UserProvisioned,
		TenantID:  ec.State.TenantID,
		ClientID:  ec.State.ClientID,
		SubjectID: user.ID,
		Details:   map[string]any{"source": "oidc_federation"},
	})
	return user, nil
}
