// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
)

func TestOidcFederation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Shutdown()) })

	config := map[string]any{
		"issuer":         m.Issuer(),
		"client_id":      m.ClientID,
		"client_secret":  m.ClientSecret,
		"redirect_url":   "https://rp.example.com/callback",
		"provider_name":  "upstream",
		"auto_provision": true,
	}
	h := NewOidcFederation()

	// Follows the authorization URL like a browser would, stopping at
	// the redirect back to the relying party.
	authorize := func(t *testing.T, authURL string) (code, state string) {
		t.Helper()
		client := &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		resp, err := client.Get(authURL)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		return loc.Query().Get("code"), loc.Query().Get("state")
	}

	t.Run("full round trip provisions the upstream user", func(t *testing.T) {
		f := newFixture(t)
		ec := f.execCtx(nil, config)

		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeRequireInput, res.Outcome)
		require.Equal(t, RedirectView, res.ViewName)
		authURL, _ := res.ViewModel["redirect_url"].(string)
		require.NotEmpty(t, authURL)

		code, state := authorize(t, authURL)
		require.NotEmpty(t, code)

		ec.Input = map[string]any{"code": code, "state": state}
		res, err = h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)

		// mockoidc authenticates its default user when none is queued.
		user, err := f.store.GetUserByUsername(ctx, "acme", mockoidc.DefaultUser().PreferredUsername)
		require.NoError(t, err)
		assert.Equal(t, user.ID, ec.State.UserID)
		assert.Equal(t, "upstream", ec.State.JourneyData["idp"])
		assert.Equal(t, []any{"ext"}, ec.State.JourneyData["amr"])
		require.NotEmpty(t, f.recorder.Named(events.UserProvisioned))
		require.NotEmpty(t, f.recorder.Named(events.UserAuthenticated))
	})

	t.Run("tampered state fails the journey", func(t *testing.T) {
		f := newFixture(t)
		ec := f.execCtx(nil, config)

		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		authURL, _ := res.ViewModel["redirect_url"].(string)
		code, _ := authorize(t, authURL)

		ec.Input = map[string]any{"code": code, "state": "forged"}
		res, err = h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
		assert.Equal(t, "federation_failed", res.ErrorCode)
	})

	t.Run("no local account without auto-provisioning", func(t *testing.T) {
		f := newFixture(t)
		noProvision := map[string]any{
			"issuer":        m.Issuer(),
			"client_id":     m.ClientID,
			"client_secret": m.ClientSecret,
			"redirect_url":  "https://rp.example.com/callback",
		}
		ec := f.execCtx(nil, noProvision)

		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		authURL, _ := res.ViewModel["redirect_url"].(string)
		code, state := authorize(t, authURL)

		ec.Input = map[string]any{"code": code, "state": state}
		res, err = h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
		assert.Equal(t, "access_denied", res.ErrorCode)
	})

	t.Run("missing config is a step error", func(t *testing.T) {
		f := newFixture(t)
		_, err := h.Execute(ctx, f.execCtx(nil, map[string]any{"issuer": m.Issuer()}))
		require.ErrorIs(t, err, journey.ErrStepConfig)
	})
}
