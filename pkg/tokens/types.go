// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the token service: self-contained JWTs,
// reference and refresh tokens backed by persisted grants, one-shot
// redemption, and revocation with family cascade.
package tokens

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by redemption and minting. Protocol services translate
// them onto the wire.
var (
	// ErrInvalidGrant covers missing, expired, consumed, or
	// wrong-typed handles. Deliberately indistinct: callers learn
	// nothing about which case occurred.
	ErrInvalidGrant = errors.New("invalid_grant")
)

// Default lifetimes applied when neither the request, the client, nor the
// tenant overrides them.
const (
	DefaultAccessTokenLifetime  = 3600 * time.Second
	DefaultIDTokenLifetime      = 300 * time.Second
	DefaultRefreshTokenLifetime = 2592000 * time.Second
	DefaultCodeLifetime         = 5 * time.Minute
)

// AccessTokenRequest describes the access token to mint.
type AccessTokenRequest struct {
	TenantID  string
	ClientID  string
	SubjectID string // empty for client-credentials
	SessionID string

	Issuer   string
	Audience []string
	Scopes   []string

	// Lifetime zero falls back to the tenant default, then the platform
	// default.
	Lifetime time.Duration

	// Algorithm selects the signing credential; empty means the service
	// default.
	Algorithm string

	// DPoPKeyThumbprint, when set, binds the token via cnf.jkt.
	DPoPKeyThumbprint string

	// Claims are caller-supplied extras, lowest precedence.
	Claims map[string]any

	// IsReference requests an opaque handle backed by a persisted grant
	// instead of a JWT.
	IsReference bool
}

// IDTokenRequest describes the ID token to mint. SubjectID is required;
// the audience is always the client.
type IDTokenRequest struct {
	TenantID  string
	ClientID  string
	SubjectID string
	SessionID string

	Issuer    string
	Nonce     string
	AuthTime  *time.Time
	AMR       []string
	ACR       string
	Lifetime  time.Duration
	Algorithm string

	Claims map[string]any
}

// RefreshTokenRequest describes the refresh token to persist.
type RefreshTokenRequest struct {
	TenantID  string
	ClientID  string
	SubjectID string
	SessionID string
	Scopes    []string
	Lifetime  time.Duration

	// Claims carried forward so re-minted tokens keep journey output
	// claims.
	Claims map[string]any
}

// CodeGrant is the payload of an authorization-code grant.
type CodeGrant struct {
	SubjectID           string         `json:"subject_id"`
	ClientID            string         `json:"client_id"`
	SessionID           string         `json:"session_id,omitempty"`
	Scopes              []string       `json:"scopes"`
	RedirectURI         string         `json:"redirect_uri"`
	Nonce               string         `json:"nonce,omitempty"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod string         `json:"code_challenge_method,omitempty"`
	AuthTime            *time.Time     `json:"auth_time,omitempty"`
	AMR                 []string       `json:"amr,omitempty"`
	ACR                 string         `json:"acr,omitempty"`
	Claims              map[string]any `json:"claims,omitempty"`
}

// RefreshGrant is the payload of a refresh-token grant.
type RefreshGrant struct {
	SubjectID string         `json:"subject_id"`
	ClientID  string         `json:"client_id"`
	SessionID string         `json:"session_id,omitempty"`
	Scopes    []string       `json:"scopes"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// ProviderContext is handed to claims providers when assembling a token.
type ProviderContext struct {
	TenantID  string
	ClientID  string
	SubjectID string
	Scopes    []string
}

// ClaimsProvider contributes claims during access-token assembly.
// Returned claims rank below protocol claims but above caller-supplied
// ones.
type ClaimsProvider interface {
	Claims(ctx context.Context, pctx ProviderContext) (map[string]any, error)
}

// ClaimsProviderFunc adapts a function to ClaimsProvider.
type ClaimsProviderFunc func(ctx context.Context, pctx ProviderContext) (map[string]any, error)

// Claims implements ClaimsProvider.
func (f ClaimsProviderFunc) Claims(ctx context.Context, pctx ProviderContext) (map[string]any, error) {
	return f(ctx, pctx)
}
