// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/tokens"
)

// Protocol error codes, translated directly onto the wire.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeLoginRequired           = "login_required"
	ErrCodeConsentRequired         = "consent_required"
	ErrCodeInteractionRequired     = "interaction_required"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"

	// Device and CIBA polling codes.
	ErrCodeAuthorizationPending = "authorization_pending"
	ErrCodeSlowDown             = "slow_down"
	ErrCodeExpiredToken         = "expired_token"
)

// ProtocolError is an OAuth/OIDC wire error. RedirectURIValidated marks
// whether the error may be delivered via the client's redirect URI; until
// the redirect URI has been validated it is untrusted and errors go back as
// HTTP bodies only.
type ProtocolError struct {
	Code        string
	Description string
	Status      int

	RedirectURIValidated bool
}

// Error implements error.
func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError builds a ProtocolError with the status conventional for its code.
func NewError(code, description string) *ProtocolError {
	status := http.StatusBadRequest
	switch code {
	case ErrCodeInvalidClient:
		status = http.StatusUnauthorized
	case ErrCodeServerError:
		status = http.StatusInternalServerError
	case ErrCodeTemporarilyUnavailable:
		status = http.StatusServiceUnavailable
	}
	return &ProtocolError{Code: code, Description: description, Status: status}
}

// Redirectable marks the error as deliverable via the validated redirect URI.
func (e *ProtocolError) Redirectable() *ProtocolError {
	e.RedirectURIValidated = true
	return e
}

// translateError maps internal errors to a ProtocolError. Orchestrator
// errors collapse to server_error unless they carry a description safe to
// surface; signing and decryption failures are logged with detail but never
// echoed.
func translateError(err error) *ProtocolError {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, tokens.ErrInvalidGrant):
		return NewError(ErrCodeInvalidGrant, "")
	case errors.Is(err, signing.ErrNoSigningCredentials), errors.Is(err, crypto.ErrDecryptFailed):
		logger.Errorw("token signing unavailable", "error", err)
		return NewError(ErrCodeServerError, "")
	case errors.Is(err, journey.ErrNoPolicy):
		return NewError(ErrCodeServerError, "no applicable authentication policy")
	case errors.Is(err, journey.ErrJourneyNotFound):
		return NewError(ErrCodeInvalidRequest, "unknown or finished authentication session")
	case errors.Is(err, journey.ErrJourneyExpired):
		return NewError(ErrCodeInvalidRequest, "authentication session expired")
	case errors.Is(err, journey.ErrStepMismatch):
		return NewError(ErrCodeInvalidRequest, "input does not match the current step")
	default:
		logger.Errorw("request failed", "error", err)
		return NewError(ErrCodeServerError, "")
	}
}

// BuildErrorResponse delivers err to the caller: an in-redirect error when
// the redirect URI has been validated, a JSON body otherwise. redirectURI
// and state come from the validated request and are ignored unless the
// error is marked redirectable.
func BuildErrorResponse(w http.ResponseWriter, r *http.Request, err error, redirectURI, state string) {
	perr := translateError(err)
	if perr.RedirectURIValidated && redirectURI != "" {
		target, parseErr := url.Parse(redirectURI)
		if parseErr == nil {
			q := target.Query()
			q.Set("error", perr.Code)
			if perr.Description != "" {
				q.Set("error_description", perr.Description)
			}
			if state != "" {
				q.Set("state", state)
			}
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
	}
	writeError(w, perr)
}

// writeError emits the JSON error body.
func writeError(w http.ResponseWriter, perr *ProtocolError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(perr.Status)
	body := map[string]string{"error": perr.Code}
	if perr.Description != "" {
		body["error_description"] = perr.Description
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write error response", "error", err)
	}
}
