// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/storage"
)

func TestConsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewConsent()

	putClient := func(t *testing.T, f *fixture, client *storage.Client) {
		t.Helper()
		client.TenantID = "acme"
		require.NoError(t, f.store.PutClient(ctx, client))
	}
	withScopes := func(f *fixture, input, config map[string]any) *journey.ExecutionContext {
		ec := f.execCtx(input, config)
		ec.State.UserID = "u-alice"
		ec.State.JourneyData["request"] = map[string]any{"scopes": []any{"openid", "profile"}}
		return ec
	}

	t.Run("consent not required", func(t *testing.T) {
		f := newFixture(t)
		putClient(t, f, &storage.Client{ClientID: "web-app"})
		res, err := h.Execute(ctx, withScopes(f, nil, nil))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)
	})

	t.Run("prompt then allow with remember", func(t *testing.T) {
		f := newFixture(t)
		putClient(t, f, &storage.Client{
			ClientID:             "web-app",
			DisplayName:          "Web App",
			RequireConsent:       true,
			AllowRememberConsent: true,
		})
		require.NoError(t, f.store.PutIdentityResource(ctx, &storage.IdentityResource{
			Name: "profile", DisplayName: "Your profile", TenantID: "acme",
		}))

		res, err := h.Execute(ctx, withScopes(f, nil, nil))
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeRequireInput, res.Outcome)
		assert.Equal(t, ConsentView, res.ViewName)
		assert.Equal(t, "Web App", res.ViewModel["client_name"])
		assert.Contains(t, res.ViewModel["identity_resources"], "Your profile")

		ec := withScopes(f, map[string]any{"consent": "allow", "remember": "on"}, nil)
		res, err = h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)
		assert.Equal(t, []any{"openid", "profile"}, ec.State.JourneyData["consented_scopes"])
		require.Len(t, f.recorder.Named(events.ConsentGranted), 1)

		// The remembered consent short-circuits the next prompt.
		res, err = h.Execute(ctx, withScopes(f, nil, nil))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)
	})

	t.Run("deny fails with access_denied", func(t *testing.T) {
		f := newFixture(t)
		putClient(t, f, &storage.Client{ClientID: "web-app", RequireConsent: true})
		res, err := h.Execute(ctx, withScopes(f, map[string]any{"consent": "deny"}, nil))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
		assert.Equal(t, "access_denied", res.ErrorCode)
		require.Len(t, f.recorder.Named(events.ConsentDenied), 1)
	})
}

func TestWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewWebhook()

	t.Run("substitution and response mapping", func(t *testing.T) {
		f := newFixture(t)
		var received map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &received))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"score": 42, "verdict": "ok"}`))
		}))
		t.Cleanup(srv.Close)

		ec := f.execCtx(map[string]any{"email": "alice@example.com"}, map[string]any{
			"url": srv.URL,
			"payload": map[string]any{
				"email":   "{input:email}",
				"journey": "{journey:id}",
				"user":    "{user:id}",
				"plan":    "{data:plan}",
			},
			"response_mapping": map[string]any{
				"score":   "risk_score",
				"verdict": "risk_verdict",
			},
		})
		ec.State.UserID = "u-alice"
		ec.State.JourneyData["plan"] = "pro"

		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeSuccess, res.Outcome)

		assert.Equal(t, "alice@example.com", received["email"])
		assert.Equal(t, "j-test", received["journey"])
		assert.Equal(t, "u-alice", received["user"])
		assert.Equal(t, "pro", received["plan"])

		assert.Equal(t, float64(42), res.Outputs["risk_score"])
		assert.Equal(t, "ok", res.Outputs["risk_verdict"])
	})

	t.Run("fail_on_error propagates", func(t *testing.T) {
		f := newFixture(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		t.Cleanup(srv.Close)

		res, err := h.Execute(ctx, f.execCtx(nil, map[string]any{
			"url":           srv.URL,
			"fail_on_error": true,
		}))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
		assert.Equal(t, "webhook_failed", res.ErrorCode)
	})

	t.Run("errors swallowed by default", func(t *testing.T) {
		f := newFixture(t)
		res, err := h.Execute(ctx, f.execCtx(nil, map[string]any{
			"url": "http://127.0.0.1:1", // nothing listens here
		}))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)
	})

	t.Run("missing url is a config error", func(t *testing.T) {
		f := newFixture(t)
		_, err := h.Execute(ctx, f.execCtx(nil, nil))
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})

	t.Run("5xx retried", func(t *testing.T) {
		f := newFixture(t)
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(srv.Close)

		res, err := h.Execute(ctx, f.execCtx(nil, map[string]any{
			"url":           srv.URL,
			"fail_on_error": true,
		}))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)
		assert.Equal(t, 3, calls)
	})
}

func TestTransform(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	evaluator, err := journey.NewEvaluator()
	require.NoError(t, err)
	h := NewTransform(evaluator)
	f := newFixture(t)

	ec := f.execCtx(nil, map[string]any{
		"mappings": []any{
			map[string]any{"source": "user.email", "target": "email_lower", "operation": "lowercase"},
			map[string]any{"source": "raw_name", "target": "name", "operation": "trim"},
			map[string]any{"source": "csv", "target": "items", "operation": "split", "args": map[string]any{"separator": ","}},
			map[string]any{"source": "amr", "target": "amr_joined", "operation": "join", "args": map[string]any{"separator": "+"}},
			map[string]any{"source": "domain", "target": "org", "operation": "replace", "args": map[string]any{"old": ".example.com", "new": ""}},
			map[string]any{"source": "missing", "target": "never_set"},
		},
	})
	ec.State.JourneyData["user"] = map[string]any{"email": "Alice@EXAMPLE.com"}
	ec.State.JourneyData["raw_name"] = "  Alice  "
	ec.State.JourneyData["csv"] = "a,b,c"
	ec.State.JourneyData["amr"] = []any{"pwd", "otp"}
	ec.State.JourneyData["domain"] = "acme.example.com"

	res, err := h.Execute(ctx, ec)
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeSuccess, res.Outcome)

	assert.Equal(t, "alice@example.com", res.Outputs["email_lower"])
	assert.Equal(t, "Alice", res.Outputs["name"])
	assert.Equal(t, []any{"a", "b", "c"}, res.Outputs["items"])
	assert.Equal(t, "pwd+otp", res.Outputs["amr_joined"])
	assert.Equal(t, "acme", res.Outputs["org"])
	_, present := res.Outputs["never_set"]
	assert.False(t, present)

	t.Run("unknown operation", func(t *testing.T) {
		_, err := h.Execute(ctx, f.execCtx(nil, map[string]any{
			"mappings": []any{map[string]any{"source": "x", "target": "y", "operation": "rot13"}},
		}))
		assert.NoError(t, err, "unresolved source short-circuits before the operation")

		ec := f.execCtx(nil, map[string]any{
			"mappings": []any{map[string]any{"source": "x", "target": "y", "operation": "rot13"}},
		})
		ec.State.JourneyData["x"] = "v"
		_, err = h.Execute(ctx, ec)
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})

	t.Run("expression", func(t *testing.T) {
		ec := f.execCtx(nil, map[string]any{
			"mappings": []any{
				map[string]any{
					"target":     "display_name",
					"operation":  "expression",
					"expression": `data.user.given_name + " " + data.user.family_name`,
				},
				map[string]any{
					"target":     "is_internal",
					"operation":  "expression",
					"expression": `data.user.email.endsWith("@acme.example.com")`,
				},
			},
		})
		ec.State.JourneyData["user"] = map[string]any{
			"given_name":  "Alice",
			"family_name": "Smith",
			"email":       "alice@acme.example.com",
		}

		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, "Alice Smith", res.Outputs["display_name"])
		assert.Equal(t, true, res.Outputs["is_internal"])
	})

	t.Run("expression mapping needs an expression", func(t *testing.T) {
		_, err := h.Execute(ctx, f.execCtx(nil, map[string]any{
			"mappings": []any{map[string]any{"target": "y", "operation": "expression"}},
		}))
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})

	t.Run("malformed expression is a config error", func(t *testing.T) {
		_, err := h.Execute(ctx, f.execCtx(nil, map[string]any{
			"mappings": []any{map[string]any{
				"target": "y", "operation": "expression", "expression": "data.x ==",
			}},
		}))
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})
}

func TestCollect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewCollect()
	f := newFixture(t)

	config := map[string]any{
		"view": "_SignUp",
		"fields": []any{
			map[string]any{"name": "email", "required": true},
			map[string]any{"name": "company"},
		},
	}

	t.Run("prompts when empty", func(t *testing.T) {
		res, err := h.Execute(ctx, f.execCtx(nil, config))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeRequireInput, res.Outcome)
		assert.Equal(t, "_SignUp", res.ViewName)
	})

	t.Run("re-prompts on missing required field", func(t *testing.T) {
		res, err := h.Execute(ctx, f.execCtx(map[string]any{"company": "ACME"}, config))
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeRequireInput, res.Outcome)
		assert.Equal(t, []any{"email"}, res.ViewModel["missing"])
	})

	t.Run("collects submission", func(t *testing.T) {
		res, err := h.Execute(ctx, f.execCtx(map[string]any{
			"email":   "alice@example.com",
			"company": "ACME",
			"ignored": "not declared",
		}, config))
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeSuccess, res.Outcome)
		submission := res.Outputs["submission"].(map[string]any)
		assert.Equal(t, "alice@example.com", submission["email"])
		assert.Equal(t, "ACME", submission["company"])
		_, leaked := submission["ignored"]
		assert.False(t, leaked, "undeclared fields are dropped")
	})

	t.Run("no fields is a config error", func(t *testing.T) {
		_, err := h.Execute(ctx, f.execCtx(nil, nil))
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})
}

func TestBranchStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	evaluator, err := journey.NewEvaluator()
	require.NoError(t, err)
	h := NewBranchStep(evaluator)
	f := newFixture(t)

	config := map[string]any{
		"rules": []any{
			map[string]any{"when": `user.mfa_enabled == true`, "goto": "mfa"},
			map[string]any{"when": `data.risk_score >= 50.0`, "goto": "review"},
		},
		"default": "done",
	}

	t.Run("first matching rule wins", func(t *testing.T) {
		ec := f.execCtx(nil, config)
		ec.State.JourneyData["user"] = map[string]any{"mfa_enabled": true}
		ec.State.JourneyData["risk_score"] = 90.0
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeBranch, res.Outcome)
		assert.Equal(t, "mfa", res.BranchTarget)
	})

	t.Run("default target", func(t *testing.T) {
		ec := f.execCtx(nil, config)
		ec.State.JourneyData["user"] = map[string]any{"mfa_enabled": false}
		ec.State.JourneyData["risk_score"] = 0.0
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeBranch, res.Outcome)
		assert.Equal(t, "done", res.BranchTarget)
	})

	t.Run("no default succeeds", func(t *testing.T) {
		ec := f.execCtx(nil, map[string]any{"rules": []any{
			map[string]any{"when": `false`, "goto": "x"},
		}})
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeSuccess, res.Outcome)
	})

	t.Run("bad expression is a config error", func(t *testing.T) {
		ec := f.execCtx(nil, map[string]any{"rules": []any{
			map[string]any{"when": `user.mfa ==`, "goto": "x"},
		}})
		_, err := h.Execute(ctx, ec)
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})
}
