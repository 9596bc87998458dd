// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

// Device and CIBA requests share the polling grant shape: the client polls
// the token endpoint while the user approves or denies out of band.

const (
	pollStatusPending  = "pending"
	pollStatusApproved = "approved"
	pollStatusDenied   = "denied"

	deviceCodeLifetime = 10 * time.Minute
	cibaLifetime       = 5 * time.Minute
)

// pollingGrant is the payload of device_code and ciba_request grants.
type pollingGrant struct {
	Status       string         `json:"status"`
	SubjectID    string         `json:"subject_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Claims       map[string]any `json:"claims,omitempty"`
	AMR          []string       `json:"amr,omitempty"`
	Interval     int            `json:"interval"`
	LastPolledAt time.Time      `json:"last_polled_at,omitempty"`

	// DeviceKey links a user_code grant back to its device_code grant.
	DeviceKey string `json:"device_key,omitempty"`
}

// HandleDeviceAuthorization implements POST /connect/deviceauthorization.
func (s *Service) HandleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	client, perr := s.authenticateClient(ctx, tenantID, r)
	if perr != nil {
		writeError(w, perr)
		return
	}
	if !clientAllowsGrant(client, GrantTypeDeviceCode) {
		writeError(w, NewError(ErrCodeUnauthorizedClient, "client may not use the device grant"))
		return
	}
	scopes, perr := validateScopes(client, strings.Fields(r.PostFormValue("scope")))
	if perr != nil {
		writeError(w, perr)
		return
	}

	deviceCode, err := idcrypto.RandomHandle(32)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	userCode, err := generateUserCode()
	if err != nil {
		writeError(w, translateError(err))
		return
	}

	now := time.Now()
	device := &storage.PersistedGrant{
		Key:       deviceCode,
		Type:      storage.GrantDeviceCode,
		ClientID:  client.ClientID,
		TenantID:  tenantID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(deviceCodeLifetime),
	}
	if err := storePolling(ctx, s.store, device, &pollingGrant{Status: pollStatusPending, Interval: defaultPollInterval}); err != nil {
		writeError(w, translateError(err))
		return
	}
	user := &storage.PersistedGrant{
		Key:       userCode,
		Type:      storage.GrantUserCode,
		ClientID:  client.ClientID,
		TenantID:  tenantID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(deviceCodeLifetime),
	}
	if err := storePolling(ctx, s.store, user, &pollingGrant{Status: pollStatusPending, DeviceKey: deviceCode}); err != nil {
		writeError(w, translateError(err))
		return
	}

	issuer := s.resolver.Issuer(tenant.FromContext(ctx), r)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               deviceCode,
		"user_code":                 userCode,
		"verification_uri":          issuer + "/device",
		"verification_uri_complete": issuer + "/device?user_code=" + userCode,
		"expires_in":                int(deviceCodeLifetime.Seconds()),
		"interval":                  defaultPollInterval,
	})
}

// HandleCIBA implements POST /connect/ciba: a backchannel authentication
// request polled by the client while the user approves on another device.
func (s *Service) HandleCIBA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	client, perr := s.authenticateClient(ctx, tenantID, r)
	if perr != nil {
		writeError(w, perr)
		return
	}
	if !client.CIBAEnabled || !clientAllowsGrant(client, GrantTypeCIBA) {
		writeError(w, NewError(ErrCodeUnauthorizedClient, "client may not use backchannel authentication"))
		return
	}
	scopes, perr := validateScopes(client, strings.Fields(r.PostFormValue("scope")))
	if perr != nil {
		writeError(w, perr)
		return
	}

	loginHint := r.PostFormValue("login_hint")
	if loginHint == "" {
		writeError(w, NewError(ErrCodeInvalidRequest, "login_hint is required"))
		return
	}
	user, err := s.store.GetUserByUsername(ctx, tenantID, loginHint)
	if err != nil {
		// Unknown hints look identical to known ones until polling, so a
		// caller cannot probe the user base.
		writeError(w, NewError("unknown_user_id", ""))
		return
	}

	authReqID, err := idcrypto.RandomHandle(32)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	now := time.Now()
	grant := &storage.PersistedGrant{
		Key:       authReqID,
		Type:      storage.GrantCIBARequest,
		SubjectID: user.ID,
		ClientID:  client.ClientID,
		TenantID:  tenantID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(cibaLifetime),
	}
	payload := &pollingGrant{Status: pollStatusPending, SubjectID: user.ID, Interval: defaultPollInterval}
	if err := storePolling(ctx, s.store, grant, payload); err != nil {
		writeError(w, translateError(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth_req_id": authReqID,
		"expires_in":  int(cibaLifetime.Seconds()),
		"interval":    defaultPollInterval,
	})
}

// grantPolling implements the token-endpoint side of device and CIBA
// grants: authorization_pending while the user decides, slow_down when the
// client polls faster than the interval, expired_token past expiry, and
// token delivery on approval. Approval consumption is one-shot.
func (s *Service) grantPolling(ctx context.Context, tenantID, issuer string, client *storage.Client, handle string, typ storage.GrantType) (*tokenResponse, *ProtocolError) {
	if handle == "" {
		return nil, NewError(ErrCodeInvalidRequest, "missing polling handle")
	}
	grant, err := s.store.GetGrant(ctx, tenantID, handle)
	if err != nil {
		if errors.Is(err, storage.ErrExpired) {
			return nil, NewError(ErrCodeExpiredToken, "")
		}
		return nil, NewError(ErrCodeInvalidGrant, "")
	}
	if grant.Type != typ || grant.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, "")
	}
	payload := &pollingGrant{}
	if err := json.Unmarshal(grant.Payload, payload); err != nil {
		return nil, translateError(err)
	}

	switch payload.Status {
	case pollStatusPending:
		now := time.Now()
		tooFast := !payload.LastPolledAt.IsZero() && now.Sub(payload.LastPolledAt) < time.Duration(payload.Interval)*time.Second
		payload.LastPolledAt = now
		if err := updatePolling(ctx, s.store, grant, payload); err != nil {
			return nil, translateError(err)
		}
		if tooFast {
			return nil, NewError(ErrCodeSlowDown, "")
		}
		return nil, NewError(ErrCodeAuthorizationPending, "")

	case pollStatusDenied:
		// Denials are consumed so the client stops polling.
		_, _ = s.store.ConsumeGrant(ctx, tenantID, grant.Key)
		return nil, NewError(ErrCodeAccessDenied, "")

	case pollStatusApproved:
		if _, err := s.store.ConsumeGrant(ctx, tenantID, grant.Key); err != nil {
			return nil, NewError(ErrCodeInvalidGrant, "")
		}
		return s.mintTokens(ctx, tenantID, issuer, client, &mintRequest{
			SubjectID: payload.SubjectID,
			SessionID: payload.SessionID,
			Scopes:    grant.Scopes,
			AMR:       payload.AMR,
			Claims:    payload.Claims,
		})

	default:
		return nil, NewError(ErrCodeInvalidGrant, "")
	}
}

// ApproveDeviceCode marks the device grant behind a user code approved for
// the given subject. Called by the verification UI after the user
// authenticates.
func (s *Service) ApproveDeviceCode(ctx context.Context, tenantID, userCode, subjectID string) error {
	return s.resolveDevice(ctx, tenantID, userCode, func(p *pollingGrant) {
		p.Status = pollStatusApproved
		p.SubjectID = subjectID
	})
}

// DenyDeviceCode marks the device grant behind a user code denied.
func (s *Service) DenyDeviceCode(ctx context.Context, tenantID, userCode string) error {
	return s.resolveDevice(ctx, tenantID, userCode, func(p *pollingGrant) {
		p.Status = pollStatusDenied
	})
}

func (s *Service) resolveDevice(ctx context.Context, tenantID, userCode string, decide func(*pollingGrant)) error {
	userGrant, err := s.store.ConsumeGrant(ctx, tenantID, strings.ToUpper(userCode))
	if err != nil {
		return fmt.Errorf("unknown or used user code: %w", err)
	}
	link := &pollingGrant{}
	if err := json.Unmarshal(userGrant.Payload, link); err != nil {
		return fmt.Errorf("malformed user code grant: %w", err)
	}
	return s.decidePolling(ctx, tenantID, link.DeviceKey, storage.GrantDeviceCode, decide)
}

// ApproveCIBARequest approves a pending backchannel request.
func (s *Service) ApproveCIBARequest(ctx context.Context, tenantID, authReqID string) error {
	return s.decidePolling(ctx, tenantID, authReqID, storage.GrantCIBARequest, func(p *pollingGrant) {
		p.Status = pollStatusApproved
	})
}

// DenyCIBARequest denies a pending backchannel request.
func (s *Service) DenyCIBARequest(ctx context.Context, tenantID, authReqID string) error {
	return s.decidePolling(ctx, tenantID, authReqID, storage.GrantCIBARequest, func(p *pollingGrant) {
		p.Status = pollStatusDenied
	})
}

func (s *Service) decidePolling(ctx context.Context, tenantID, key string, typ storage.GrantType, decide func(*pollingGrant)) error {
	grant, err := s.store.GetGrant(ctx, tenantID, key)
	if err != nil {
		return fmt.Errorf("polling grant not found: %w", err)
	}
	if grant.Type != typ {
		return fmt.Errorf("grant %s is not a %s", key, typ)
	}
	payload := &pollingGrant{}
	if err := json.Unmarshal(grant.Payload, payload); err != nil {
		return fmt.Errorf("malformed polling grant: %w", err)
	}
	if payload.Status != pollStatusPending {
		return fmt.Errorf("polling grant already decided")
	}
	decide(payload)
	return updatePolling(ctx, s.store, grant, payload)
}

func storePolling(ctx context.Context, store storage.GrantStore, grant *storage.PersistedGrant, payload *pollingGrant) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize polling grant: %w", err)
	}
	grant.Payload = raw
	if err := store.StoreGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to persist polling grant: %w", err)
	}
	return nil
}

// updatePolling rewrites an already-stored polling grant: the poll
// timestamp on pending polls, the decision on approve/deny.
func updatePolling(ctx context.Context, store storage.GrantStore, grant *storage.PersistedGrant, payload *pollingGrant) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize polling grant: %w", err)
	}
	grant.Payload = raw
	if err := store.UpdateGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to update polling grant: %w", err)
	}
	return nil
}

// userCodeAlphabet omits the ambiguous characters 0/O and 1/I.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

// generateUserCode returns an 8-character user code in XXXX-XXXX form.
func generateUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate user code: %w", err)
	}
	out := make([]byte, 0, 9)
	for i, b := range raw {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
	}
	return string(out), nil
}
