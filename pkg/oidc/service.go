// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc implements the OIDC/OAuth protocol front-end: authorization,
// token, userinfo, revocation, introspection, device authorization, PAR,
// CIBA, end-session, and discovery. Authentication itself is delegated to
// the journey orchestrator; the protocol layer correlates the journey with
// the original request through a one-shot ProtocolState record.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
	"github.com/stacklok/idhive/pkg/tokens"
)

// UI modes accepted on the authorize and end-session endpoints.
const (
	UIModeJourney    = "journey"
	UIModeStandalone = "standalone"
	UIModeHeadless   = "headless"
)

// requestURIPrefix prefixes PAR request URIs per RFC 9126.
const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// defaultPollInterval is the device/CIBA polling interval in seconds.
const defaultPollInterval = 5

// Store is the persistence surface the protocol front-end needs.
type Store interface {
	storage.ClientStore
	storage.ResourceStore
	storage.GrantStore
	storage.ProtocolStateStore
	storage.SessionStore
	storage.SigningKeyStore
	storage.UserStore
}

// Service is the OIDC protocol service.
type Service struct {
	store        Store
	tokens       *tokens.Service
	orchestrator *journey.Orchestrator
	resolver     *tenant.Resolver
	verifier     *Verifier
	emitter      *events.Emitter

	codeLifetime time.Duration
	parLifetime  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCodeLifetime overrides the authorization-code lifetime.
func WithCodeLifetime(d time.Duration) Option {
	return func(s *Service) { s.codeLifetime = d }
}

// NewService wires the protocol front-end. emitter may be nil.
func NewService(store Store, tokenSvc *tokens.Service, orch *journey.Orchestrator, resolver *tenant.Resolver, emitter *events.Emitter, opts ...Option) *Service {
	s := &Service{
		store:        store,
		tokens:       tokenSvc,
		orchestrator: orch,
		resolver:     resolver,
		verifier:     NewVerifier(store),
		emitter:      emitter,
		codeLifetime: tokens.DefaultCodeLifetime,
		parLifetime:  90 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthorizeRequest is the validated shape of an authorization request,
// serialized into the ProtocolState that outlives the journey.
type AuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	ResponseType        string `json:"response_type"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	ACRValues           string `json:"acr_values,omitempty"`
	Policy              string `json:"policy,omitempty"`
	UIMode              string `json:"ui_mode,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
}

// Scopes splits the scope parameter.
func (a *AuthorizeRequest) Scopes() []string {
	return strings.Fields(a.Scope)
}

// parseAuthorizeRequest reads the authorize parameters from the query (GET)
// or form body (POST). The policy parameter is accepted as both "policy"
// and its short form "p".
func parseAuthorizeRequest(r *http.Request) *AuthorizeRequest {
	var values url.Values
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		values = r.PostForm
	} else {
		values = r.URL.Query()
	}
	policy := values.Get("policy")
	if policy == "" {
		policy = values.Get("p")
	}
	return &AuthorizeRequest{
		ClientID:            values.Get("client_id"),
		ResponseType:        values.Get("response_type"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		ACRValues:           values.Get("acr_values"),
		Policy:              policy,
		UIMode:              values.Get("ui_mode"),
		Prompt:              values.Get("prompt"),
	}
}

// validateAuthorizeRequest runs the pre-redirect checks (client, redirect
// URI) and then the redirectable ones (response type, scope, PKCE). Errors
// from the second group carry RedirectURIValidated so BuildErrorResponse
// delivers them via the redirect URI.
func (s *Service) validateAuthorizeRequest(ctx context.Context, tenantID string, areq *AuthorizeRequest) (*storage.Client, *ProtocolError) {
	if areq.ClientID == "" {
		return nil, NewError(ErrCodeInvalidRequest, "client_id is required")
	}
	client, err := s.store.GetClient(ctx, tenantID, areq.ClientID)
	if err != nil {
		return nil, NewError(ErrCodeUnauthorizedClient, "unknown client")
	}
	if perr := validateRedirectURI(client, areq.RedirectURI); perr != nil {
		return nil, perr
	}

	// The redirect URI is trusted from here on.
	if areq.ResponseType != "code" {
		return nil, NewError(ErrCodeUnsupportedResponseType, "only the code response type is supported").Redirectable()
	}
	if !clientAllowsGrant(client, "authorization_code") {
		return nil, NewError(ErrCodeUnauthorizedClient, "client may not use the authorization code grant").Redirectable()
	}
	if _, perr := validateScopes(client, areq.Scopes()); perr != nil {
		perr.RedirectURIValidated = true
		return nil, perr
	}

	switch areq.CodeChallengeMethod {
	case "", idcrypto.PKCEChallengeMethodS256:
	case idcrypto.PKCEChallengeMethodPlain:
		if !client.AllowPlainPKCE {
			return nil, NewError(ErrCodeInvalidRequest, "plain code_challenge_method is not allowed").Redirectable()
		}
	default:
		return nil, NewError(ErrCodeInvalidRequest, "unsupported code_challenge_method").Redirectable()
	}
	if client.Public && areq.CodeChallenge == "" {
		return nil, NewError(ErrCodeInvalidRequest, "public clients must use PKCE").Redirectable()
	}
	if mode := areq.UIMode; mode != "" && mode != UIModeJourney && mode != UIModeStandalone && mode != UIModeHeadless {
		return nil, NewError(ErrCodeInvalidRequest, "unknown ui_mode").Redirectable()
	}
	return client, nil
}

// HandleAuthorize implements GET/POST /connect/authorize. The request is
// validated, recorded as a ProtocolState, and handed to the journey
// orchestrator. Journeys that finish synchronously redirect back at once;
// journeys awaiting input return the view to render together with the
// journey id for the continue endpoint.
func (s *Service) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	areq := parseAuthorizeRequest(r)

	// A PAR request URI replaces the inline parameters.
	if requestURI := r.FormValue("request_uri"); requestURI != "" {
		stored, perr := s.consumePAR(ctx, tenantID, areq.ClientID, requestURI)
		if perr != nil {
			writeError(w, perr)
			return
		}
		areq = stored
	}

	client, perr := s.validateAuthorizeRequest(ctx, tenantID, areq)
	if perr != nil {
		BuildErrorResponse(w, r, perr, areq.RedirectURI, areq.State)
		return
	}

	ps, err := s.storeProtocolState(ctx, tenantID, areq)
	if err != nil {
		BuildErrorResponse(w, r, err, areq.RedirectURI, areq.State)
		return
	}

	res, err := s.startJourney(ctx, tenantID, client, areq, ps.ID)
	if err != nil {
		perr := translateError(err)
		perr.RedirectURIValidated = true
		BuildErrorResponse(w, r, perr, areq.RedirectURI, areq.State)
		return
	}
	s.deliverJourneyResult(w, r, tenantID, res)
}

func (s *Service) storeProtocolState(ctx context.Context, tenantID string, areq *AuthorizeRequest) (*storage.ProtocolState, error) {
	raw, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize authorize request: %w", err)
	}
	now := time.Now()
	ps := &storage.ProtocolState{
		ID:           uuid.NewString(),
		ProtocolName: "oidc",
		Request:      raw,
		ClientID:     areq.ClientID,
		TenantID:     tenantID,
		EndpointType: "authorize",
		CreatedAt:    now,
		ExpiresAt:    now.Add(storage.DefaultProtocolStateTTL),
	}
	if err := s.store.StoreProtocolState(ctx, ps); err != nil {
		return nil, fmt.Errorf("failed to store protocol state: %w", err)
	}
	return ps, nil
}

func (s *Service) startJourney(ctx context.Context, tenantID string, client *storage.Client, areq *AuthorizeRequest, correlationID string) (*journey.Result, error) {
	params := map[string]string{}
	if areq.Policy != "" {
		params["p"] = areq.Policy
	}
	if areq.UIMode != "" {
		params["ui_mode"] = areq.UIMode
	}
	if areq.Prompt != "" {
		params["prompt"] = areq.Prompt
	}
	sctx := journey.StartContext{
		TenantID:      tenantID,
		ClientID:      client.ClientID,
		Type:          storage.JourneySignIn,
		Scopes:        areq.Scopes(),
		ACRValues:     strings.Fields(areq.ACRValues),
		Params:        params,
		CorrelationID: correlationID,
	}
	if areq.Policy != "" {
		policy, err := s.orchestrator.Policy(ctx, tenantID, areq.Policy)
		if err != nil {
			return nil, err
		}
		return s.orchestrator.StartWithPolicy(ctx, policy, sctx)
	}
	return s.orchestrator.Start(ctx, sctx)
}

// HandleJourneyContinue implements POST /connect/journey/{journeyID}. The
// body carries the step id and the user's inputs; on completion the
// original authorize request is recovered from the ProtocolState and the
// code redirect is issued.
func (s *Service) HandleJourneyContinue(w http.ResponseWriter, r *http.Request, journeyID string) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	input, perr := parseJourneyInput(r)
	if perr != nil {
		writeError(w, perr)
		return
	}

	res, err := s.orchestrator.Continue(ctx, tenantID, journeyID, *input)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	s.deliverJourneyResult(w, r, tenantID, res)
}

// parseJourneyInput accepts a JSON body {"step_id": ..., "input": {...}} or
// a plain form post where step_id is a reserved field.
func parseJourneyInput(r *http.Request) (*journey.StepInput, *ProtocolError) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			StepID string         `json:"step_id"`
			Input  map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, NewError(ErrCodeInvalidRequest, "malformed journey input")
		}
		return &journey.StepInput{StepID: body.StepID, Values: body.Input}, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, NewError(ErrCodeInvalidRequest, "malformed journey input")
	}
	values := map[string]any{}
	for k := range r.PostForm {
		if k == "step_id" {
			continue
		}
		values[k] = r.PostForm.Get(k)
	}
	return &journey.StepInput{StepID: r.PostForm.Get("step_id"), Values: values}, nil
}

// deliverJourneyResult routes a journey result back onto the protocol:
// completion redirects with a code, failure redirects with the journey's
// error, and suspension returns the view for the client to render.
func (s *Service) deliverJourneyResult(w http.ResponseWriter, r *http.Request, tenantID string, res *journey.Result) {
	switch res.State.Status {
	case storage.JourneyCompleted:
		s.finishAuthorize(w, r, tenantID, res)

	case storage.JourneyFailed:
		areq, err := s.consumeAuthorizeState(r.Context(), tenantID, res.State.CorrelationID)
		if err != nil {
			writeError(w, translateError(err))
			return
		}
		code := ErrCodeAccessDenied
		description := ""
		if res.State.Error != nil {
			description = res.State.Error.Description
			if isProtocolErrorCode(res.State.Error.Code) {
				code = res.State.Error.Code
			}
		}
		perr := NewError(code, description).Redirectable()
		BuildErrorResponse(w, r, perr, areq.RedirectURI, areq.State)

	default:
		// AwaitingInput: hand the view back for rendering.
		writeJSON(w, http.StatusOK, map[string]any{
			"journey_id": res.State.ID,
			"step_id":    res.State.CurrentStepID,
			"view":       res.ViewName,
			"view_model": res.ViewModel,
		})
	}
}

// isProtocolErrorCode reports whether a journey error code is already a
// protocol code safe to put on the wire.
func isProtocolErrorCode(code string) bool {
	switch code {
	case ErrCodeAccessDenied, ErrCodeLoginRequired, ErrCodeConsentRequired, ErrCodeInteractionRequired:
		return true
	default:
		return false
	}
}

// consumeAuthorizeState recovers and consumes the original authorize
// request behind a journey's correlation id.
func (s *Service) consumeAuthorizeState(ctx context.Context, tenantID, correlationID string) (*AuthorizeRequest, error) {
	if correlationID == "" {
		return nil, NewError(ErrCodeInvalidRequest, "journey has no protocol correlation")
	}
	ps, err := s.store.ConsumeProtocolState(ctx, tenantID, correlationID)
	if err != nil {
		return nil, NewError(ErrCodeInvalidRequest, "protocol state missing or already used")
	}
	areq := &AuthorizeRequest{}
	if err := json.Unmarshal(ps.Request, areq); err != nil {
		return nil, fmt.Errorf("failed to decode protocol state: %w", err)
	}
	return areq, nil
}

// finishAuthorize mints the authorization code for a completed journey and
// redirects back to the validated redirect URI.
func (s *Service) finishAuthorize(w http.ResponseWriter, r *http.Request, tenantID string, res *journey.Result) {
	ctx := r.Context()
	areq, err := s.consumeAuthorizeState(ctx, tenantID, res.State.CorrelationID)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	if res.State.UserID == "" {
		perr := NewError(ErrCodeLoginRequired, "journey completed without authenticating a user").Redirectable()
		BuildErrorResponse(w, r, perr, areq.RedirectURI, areq.State)
		return
	}

	session, err := s.createSession(ctx, tenantID, res.State)
	if err != nil {
		perr := translateError(err)
		perr.RedirectURIValidated = true
		BuildErrorResponse(w, r, perr, areq.RedirectURI, areq.State)
		return
	}

	authTime := journeyAuthTime(res.State)
	grant := &tokens.CodeGrant{
		SubjectID:           res.State.UserID,
		ClientID:            areq.ClientID,
		SessionID:           session.SessionID,
		Scopes:              areq.Scopes(),
		RedirectURI:         areq.RedirectURI,
		Nonce:               areq.Nonce,
		CodeChallenge:       areq.CodeChallenge,
		CodeChallengeMethod: areq.CodeChallengeMethod,
		AuthTime:            authTime,
		AMR:                 session.AMR,
		ACR:                 session.ACR,
		Claims:              res.OutputClaims,
	}
	code, err := s.tokens.CreateAuthorizationCode(ctx, tenantID, grant, s.codeLifetime)
	if err != nil {
		perr := translateError(err)
		perr.RedirectURIValidated = true
		BuildErrorResponse(w, r, perr, areq.RedirectURI, areq.State)
		return
	}

	target, parseErr := url.Parse(areq.RedirectURI)
	if parseErr != nil {
		writeError(w, NewError(ErrCodeServerError, ""))
		return
	}
	q := target.Query()
	q.Set("code", code)
	if areq.State != "" {
		q.Set("state", areq.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// createSession persists the authenticated session a completed SignIn
// journey establishes.
func (s *Service) createSession(ctx context.Context, tenantID string, state *storage.JourneyState) (*storage.Session, error) {
	now := time.Now()
	session := &storage.Session{
		SessionID: uuid.NewString(),
		SubjectID: state.UserID,
		TenantID:  tenantID,
		AuthTime:  now,
		AMR:       journeyAMR(state),

		IdleDeadline:     now.Add(time.Hour),
		AbsoluteDeadline: now.Add(24 * time.Hour),
	}
	if at := journeyAuthTime(state); at != nil {
		session.AuthTime = *at
	}
	if err := s.store.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return session, nil
}

// journeyAMR extracts the accumulated AMR values from journey data.
func journeyAMR(state *storage.JourneyState) []string {
	raw, ok := state.JourneyData["amr"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// journeyAuthTime extracts the auth_time a login step recorded.
func journeyAuthTime(state *storage.JourneyState) *time.Time {
	switch v := state.JourneyData["auth_time"].(type) {
	case int64:
		t := time.Unix(v, 0)
		return &t
	case float64:
		t := time.Unix(int64(v), 0)
		return &t
	default:
		return nil
	}
}

// HandlePAR implements POST /connect/par: the authorize parameters are
// validated up front and stored behind a one-shot request URI.
func (s *Service) HandlePAR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	client, perr := s.authenticateClient(ctx, tenantID, r)
	if perr != nil {
		writeError(w, perr)
		return
	}
	areq := parseAuthorizeRequest(r)
	if areq.ClientID != "" && areq.ClientID != client.ClientID {
		writeError(w, NewError(ErrCodeInvalidRequest, "client_id does not match the authenticated client"))
		return
	}
	areq.ClientID = client.ClientID
	if r.PostFormValue("request_uri") != "" {
		writeError(w, NewError(ErrCodeInvalidRequest, "request_uri is not accepted at the PAR endpoint"))
		return
	}
	if _, perr := s.validateAuthorizeRequest(ctx, tenantID, areq); perr != nil {
		// PAR errors always go back as HTTP bodies.
		perr.RedirectURIValidated = false
		writeError(w, perr)
		return
	}

	raw, err := json.Marshal(areq)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	handle, err := idcrypto.RandomHandle(32)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	now := time.Now()
	ps := &storage.ProtocolState{
		ID:           requestURIPrefix + handle,
		ProtocolName: "oidc",
		Request:      raw,
		ClientID:     client.ClientID,
		TenantID:     tenantID,
		EndpointType: "par",
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.parLifetime),
	}
	if err := s.store.StoreProtocolState(ctx, ps); err != nil {
		writeError(w, translateError(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": ps.ID,
		"expires_in":  int(s.parLifetime.Seconds()),
	})
}

// consumePAR resolves a request_uri back into the stored authorize request.
func (s *Service) consumePAR(ctx context.Context, tenantID, clientID, requestURI string) (*AuthorizeRequest, *ProtocolError) {
	if !strings.HasPrefix(requestURI, requestURIPrefix) {
		return nil, NewError(ErrCodeInvalidRequest, "unknown request_uri")
	}
	ps, err := s.store.ConsumeProtocolState(ctx, tenantID, requestURI)
	if err != nil || ps.EndpointType != "par" {
		return nil, NewError(ErrCodeInvalidRequest, "unknown or expired request_uri")
	}
	areq := &AuthorizeRequest{}
	if err := json.Unmarshal(ps.Request, areq); err != nil {
		logger.Errorw("malformed pushed authorization request", "error", err)
		return nil, NewError(ErrCodeServerError, "")
	}
	if clientID != "" && clientID != areq.ClientID {
		return nil, NewError(ErrCodeInvalidRequest, "request_uri was pushed by a different client")
	}
	return areq, nil
}

// writeJSON emits a JSON response; no-store unless the handler already
// chose a caching policy.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
