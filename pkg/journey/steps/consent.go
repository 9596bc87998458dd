// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/storage"
)

// ConsentView is the scope-approval view.
const ConsentView = "_Consent"

// Consent gates the journey on the resource owner approving the requested
// scopes. Remembered consent short-circuits the prompt; a denial fails the
// journey with access_denied.
type Consent struct{}

// NewConsent returns the consent step handler.
func NewConsent() *Consent { return &Consent{} }

// Type implements journey.Handler.
func (*Consent) Type() string { return "consent" }

// Execute implements journey.Handler.
func (h *Consent) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	if ec.State.UserID == "" {
		return journey.Fail("consent_unavailable", "no authenticated user for consent"), nil
	}

	client, err := ec.Capabilities.Clients.GetClient(ctx, ec.State.TenantID, ec.State.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	scopes := requestedScopes(ec)

	if !client.RequireConsent {
		ec.SetData("consented_scopes", toAny(scopes))
		return journey.Success(nil), nil
	}

	remembered, err := h.remembered(ctx, ec, scopes)
	if err != nil {
		return nil, err
	}
	if remembered {
		ec.SetData("consented_scopes", toAny(scopes))
		return journey.Success(nil), nil
	}

	switch ec.InputString("consent") {
	case "":
		return h.prompt(ctx, ec, client, scopes)
	case "deny":
		ec.Capabilities.Events.Emit(ctx, events.Event{
			Name:      events.ConsentDenied,
			TenantID:  ec.State.TenantID,
			ClientID:  ec.State.ClientID,
			SubjectID: ec.State.UserID,
			Details:   map[string]any{"scopes": scopes},
		})
		return journey.Fail("access_denied", "resource owner denied consent"), nil
	default: // allow
		if wantsRemember(ec) && client.AllowRememberConsent {
			consent := &storage.Consent{
				SubjectID: ec.State.UserID,
				ClientID:  client.ClientID,
				TenantID:  ec.State.TenantID,
				Scopes:    scopes,
				CreatedAt: time.Now(),
			}
			if client.ConsentLifetime > 0 {
				exp := time.Now().Add(time.Duration(client.ConsentLifetime) * time.Second)
				consent.ExpiresAt = &exp
			}
			if err := ec.Capabilities.Consents.PutConsent(ctx, consent); err != nil {
				return nil, fmt.Errorf("failed to persist consent: %w", err)
			}
		}
		ec.Capabilities.Events.Emit(ctx, events.Event{
			Name:      events.ConsentGranted,
			TenantID:  ec.State.TenantID,
			ClientID:  ec.State.ClientID,
			SubjectID: ec.State.UserID,
			Details:   map[string]any{"scopes": scopes},
		})
		ec.SetData("consented_scopes", toAny(scopes))
		return journey.Success(nil), nil
	}
}

// remembered reports whether a live persisted consent covers every
// requested scope.
func (*Consent) remembered(ctx context.Context, ec *journey.ExecutionContext, scopes []string) (bool, error) {
	consent, err := ec.Capabilities.Consents.GetConsent(ctx, ec.State.TenantID, ec.State.UserID, ec.State.ClientID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load consent: %w", err)
	}
	granted := make(map[string]bool, len(consent.Scopes))
	for _, s := range consent.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false, nil
		}
	}
	return true, nil
}

// prompt resolves scope names to resource display information and suspends.
func (*Consent) prompt(ctx context.Context, ec *journey.ExecutionContext, client *storage.Client, scopes []string) (*journey.StepResult, error) {
	identity, api, err := ec.Capabilities.Resources.FindResourcesByScopes(ctx, ec.State.TenantID, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scopes: %w", err)
	}
	identityNames := make([]any, 0, len(identity))
	for _, r := range identity {
		identityNames = append(identityNames, r.DisplayName)
	}
	apiNames := make([]any, 0, len(api))
	for _, s := range api {
		apiNames = append(apiNames, s.DisplayName)
	}
	return journey.RequireInput(ConsentView, map[string]any{
		"client_name":        client.DisplayName,
		"scopes":             toAny(scopes),
		"identity_resources": identityNames,
		"api_scopes":         apiNames,
		"allow_remember":     client.AllowRememberConsent,
	}), nil
}

// requestedScopes reads the scopes captured at journey start.
func requestedScopes(ec *journey.ExecutionContext) []string {
	req, _ := ec.Data("request")
	m, _ := req.(map[string]any)
	raw, _ := m["scopes"].([]any)
	scopes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

func wantsRemember(ec *journey.ExecutionContext) bool {
	switch ec.Input["remember"] {
	case true, "true", "on", "1":
		return true
	default:
		return false
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
