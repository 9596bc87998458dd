// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/webauthn"
)

// WebAuthnView is the ceremony view; its model carries the challenge.
const WebAuthnView = "_WebAuthn"

const webauthnChallengeKey = "_webauthn_challenge"

// WebAuthn runs a FIDO2 ceremony. Config "mode" selects "register"
// (attestation, requires an authenticated user) or "authenticate"
// (assertion, default). The RP ID comes from config "rp_id".
//
// Sign counters are checked leniently: a non-advancing counter is logged
// as a possible cloned authenticator but does not fail the ceremony, since
// multi-device credentials legitimately report zero.
type WebAuthn struct{}

// NewWebAuthn returns the webauthn step handler.
func NewWebAuthn() *WebAuthn { return &WebAuthn{} }

// Type implements journey.Handler.
func (*WebAuthn) Type() string { return "webauthn" }

// Execute implements journey.Handler.
func (h *WebAuthn) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	rpID := ec.ConfigString("rp_id", "")
	if rpID == "" {
		return nil, fmt.Errorf("%w: webauthn step %s has no rp_id", journey.ErrStepConfig, ec.Step.ID)
	}
	mode := ec.ConfigString("mode", "authenticate")

	clientDataB64 := ec.InputString("client_data")
	if clientDataB64 == "" {
		return h.challenge(ec, mode, rpID)
	}
	clientData, err := base64.RawURLEncoding.DecodeString(clientDataB64)
	if err != nil {
		return journey.Fail("webauthn_failed", "client data is not valid base64url"), nil
	}

	switch mode {
	case "register":
		return h.register(ctx, ec, rpID, clientData)
	case "authenticate":
		return h.authenticate(ctx, ec, rpID, clientData)
	default:
		return nil, fmt.Errorf("%w: unknown webauthn mode %q", journey.ErrStepConfig, mode)
	}
}

func (h *WebAuthn) challenge(ec *journey.ExecutionContext, mode, rpID string) (*journey.StepResult, error) {
	challenge, err := crypto.RandomHandle(32)
	if err != nil {
		return nil, err
	}
	ec.SetData(webauthnChallengeKey, challenge)
	return journey.RequireInput(WebAuthnView, map[string]any{
		"mode":      mode,
		"rp_id":     rpID,
		"challenge": challenge,
	}), nil
}

// checkClientData validates ceremony type, challenge echo, and clears the
// stored challenge so it cannot be replayed.
func (h *WebAuthn) checkClientData(ec *journey.ExecutionContext, raw []byte, wantType string) (*webauthn.ClientData, *journey.StepResult) {
	cd, err := webauthn.ParseClientData(raw)
	if err != nil {
		return nil, journey.Fail("webauthn_failed", "client data is malformed")
	}
	if cd.Type != wantType {
		return nil, journey.Fail("webauthn_failed", fmt.Sprintf("unexpected ceremony type %q", cd.Type))
	}
	issued, _ := ec.Data(webauthnChallengeKey)
	issuedStr, _ := issued.(string)
	if issuedStr == "" || cd.Challenge != issuedStr {
		return nil, journey.Fail("webauthn_failed", "challenge mismatch")
	}
	ec.SetData(webauthnChallengeKey, "")
	return cd, nil
}

func (h *WebAuthn) register(ctx context.Context, ec *journey.ExecutionContext, rpID string, clientData []byte) (*journey.StepResult, error) {
	if ec.State.UserID == "" {
		return journey.Fail("webauthn_failed", "registration requires an authenticated user"), nil
	}
	if _, failed := h.checkClientData(ec, clientData, "webauthn.create"); failed != nil {
		return failed, nil
	}

	attB64 := ec.InputString("attestation_object")
	attRaw, err := base64.RawURLEncoding.DecodeString(attB64)
	if err != nil {
		return journey.Fail("webauthn_failed", "attestation object is not valid base64url"), nil
	}
	att, err := webauthn.ParseAttestationObject(attRaw)
	if err != nil {
		return journey.Fail("webauthn_failed", "attestation object is malformed"), nil
	}
	if !att.AuthData.MatchesRPID(rpID) {
		return journey.Fail("webauthn_failed", "relying party mismatch"), nil
	}
	if !att.AuthData.UserPresent() {
		return journey.Fail("webauthn_failed", "user presence not asserted"), nil
	}
	if _, _, err := webauthn.ParsePublicKey(att.AuthData.PublicKeyCOSE); err != nil {
		return journey.Fail("webauthn_failed", "unsupported credential key"), nil
	}

	user, err := ec.Capabilities.Users.GetUser(ctx, ec.State.TenantID, ec.State.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	credID := base64.RawURLEncoding.EncodeToString(att.AuthData.CredentialID)
	for _, cred := range user.Credentials {
		if cred.CredentialID == credID {
			return journey.Fail("webauthn_failed", "credential already registered"), nil
		}
	}
	user.Credentials = append(user.Credentials, storage.WebAuthnCredential{
		CredentialID:  credID,
		PublicKeyCOSE: att.AuthData.PublicKeyCOSE,
		SignCount:     att.AuthData.SignCount,
		RPID:          rpID,
		CreatedAt:     time.Now(),
	})
	user.UpdatedAt = time.Now()
	if err := ec.Capabilities.Users.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	return journey.Success(map[string]any{"webauthn_credential_id": credID}), nil
}

func (h *WebAuthn) authenticate(ctx context.Context, ec *journey.ExecutionContext, rpID string, clientData []byte) (*journey.StepResult, error) {
	if _, failed := h.checkClientData(ec, clientData, "webauthn.get"); failed != nil {
		return failed, nil
	}

	username := ec.InputString("username")
	if username == "" {
		return journey.Fail("webauthn_failed", "no username for assertion"), nil
	}
	user, err := ec.Capabilities.Users.GetUserByUsername(ctx, ec.State.TenantID, username)
	if err != nil {
		return journey.Fail("webauthn_failed", "unknown credential"), nil
	}

	credID := ec.InputString("credential_id")
	var cred *storage.WebAuthnCredential
	for i := range user.Credentials {
		if user.Credentials[i].CredentialID == credID && user.Credentials[i].RPID == rpID {
			cred = &user.Credentials[i]
			break
		}
	}
	if cred == nil {
		return journey.Fail("webauthn_failed", "unknown credential"), nil
	}

	rawAuthData, err := base64.RawURLEncoding.DecodeString(ec.InputString("authenticator_data"))
	if err != nil {
		return journey.Fail("webauthn_failed", "authenticator data is not valid base64url"), nil
	}
	signature, err := base64.RawURLEncoding.DecodeString(ec.InputString("signature"))
	if err != nil {
		return journey.Fail("webauthn_failed", "signature is not valid base64url"), nil
	}

	authData, err := webauthn.ParseAuthenticatorData(rawAuthData)
	if err != nil {
		return journey.Fail("webauthn_failed", "authenticator data is malformed"), nil
	}
	if !authData.MatchesRPID(rpID) {
		return journey.Fail("webauthn_failed", "relying party mismatch"), nil
	}
	if !authData.UserPresent() {
		return journey.Fail("webauthn_failed", "user presence not asserted"), nil
	}
	if err := webauthn.VerifyAssertionSignature(cred.PublicKeyCOSE, rawAuthData, clientData, signature); err != nil {
		return journey.Fail("webauthn_failed", "assertion verification failed"), nil
	}

	if authData.SignCount != 0 && authData.SignCount <= cred.SignCount {
		logger.Infow("webauthn sign counter did not advance, possible cloned authenticator",
			"credential_id", credID,
			"stored", cred.SignCount,
			"reported", authData.SignCount)
	}
	cred.SignCount = authData.SignCount
	user.UpdatedAt = time.Now()
	if err := ec.Capabilities.Users.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update credential counter: %w", err)
	}

	ec.SetUser(user)
	ec.SetData("auth_time", time.Now().Unix())
	ec.AppendAMR("webauthn")

	ec.Capabilities.Events.Emit(ctx, events.Event{
		Name:      events.UserAuthenticated,
		TenantID:  ec.State.TenantID,
		ClientID:  ec.State.ClientID,
		SubjectID: user.ID,
		Details:   map[string]any{"method": "webauthn", "journey_id": ec.State.ID},
	})
	return journey.Success(nil), nil
}
