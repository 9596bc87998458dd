// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package saml

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

// ResponseIssued is emitted when a signed response leaves the IdP.
const ResponseIssued = "saml_response_issued"

// Store is the persistence surface the IdP needs.
type Store interface {
	storage.ClientStore
	storage.ProtocolStateStore
	storage.SessionStore
	storage.SigningKeyStore
	storage.UserStore
}

// Service is the SAML identity provider front-end. Authentication is
// delegated to the journey orchestrator, correlated through a one-shot
// ProtocolState, the same way the OIDC authorize endpoint works.
type Service struct {
	store        Store
	credentials  *signing.CredentialStore
	orchestrator *journey.Orchestrator
	resolver     *tenant.Resolver
	emitter      *events.Emitter

	algorithm     string
	signResponses bool
}

// Option configures a Service.
type Option func(*Service)

// WithAlgorithm overrides the signing algorithm used for assertions.
func WithAlgorithm(algorithm string) Option {
	return func(s *Service) { s.algorithm = algorithm }
}

// WithSignedResponses signs the outer Response in addition to the
// assertion.
func WithSignedResponses() Option {
	return func(s *Service) { s.signResponses = true }
}

// NewService wires the IdP. emitter may be nil.
func NewService(store Store, credentials *signing.CredentialStore, orch *journey.Orchestrator, resolver *tenant.Resolver, emitter *events.Emitter, opts ...Option) *Service {
	s := &Service{
		store:        store,
		credentials:  credentials,
		orchestrator: orch,
		resolver:     resolver,
		emitter:      emitter,
		algorithm:    keys.DefaultAlgorithm,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router mounts the IdP endpoints.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/saml", func(r chi.Router) {
		r.Get("/metadata", s.HandleMetadata)
		r.Get("/sso", s.HandleSSO)
		r.Post("/sso", s.HandleSSO)
		r.Get("/slo", s.HandleSLO)
		r.Post("/slo", s.HandleSLO)
		r.Post("/journey/{journeyID}", func(w http.ResponseWriter, req *http.Request) {
			s.HandleJourneyContinue(w, req, chi.URLParam(req, "journeyID"))
		})
	})
	return r
}

// entityID is the IdP entity identifier for the resolved issuer.
func (s *Service) entityID(info *tenant.Info, r *http.Request) string {
	return s.resolver.Issuer(info, r) + "/saml"
}

func (s *Service) ssoURL(info *tenant.Info, r *http.Request) string {
	return s.resolver.Issuer(info, r) + "/saml/sso"
}

func (s *Service) sloURL(info *tenant.Info, r *http.Request) string {
	return s.resolver.Issuer(info, r) + "/saml/slo"
}

// decodeRequestField reads and decodes the named protocol field for the
// binding the request arrived on.
func decodeRequestField(r *http.Request, field string) (raw []byte, relayState string, err error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, "", fmt.Errorf("malformed form body")
		}
		encoded := r.PostForm.Get(field)
		if encoded == "" {
			return nil, "", fmt.Errorf("missing %s", field)
		}
		raw, err := DecodePostBinding(encoded)
		return raw, r.PostForm.Get("RelayState"), err
	}
	encoded := r.URL.Query().Get(field)
	if encoded == "" {
		return nil, "", fmt.Errorf("missing %s", field)
	}
	raw, err = DecodeRedirectBinding(encoded)
	return raw, r.URL.Query().Get("RelayState"), err
}

// HandleSSO implements the single sign-on endpoint over both the Redirect
// and POST bindings. A valid request is recorded as a ProtocolState and
// handed to the journey orchestrator; the response is delivered to the ACS
// URL through an auto-submitting POST form once the journey completes.
func (s *Service) HandleSSO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := tenant.FromContext(ctx)
	tenantID := tenant.IDFromContext(ctx)

	raw, relayState, err := decodeRequestField(r, "SAMLRequest")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := ParseAuthnRequest(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.RelayState = relayState

	client, err := s.store.GetClient(ctx, tenantID, req.Issuer)
	if err != nil {
		http.Error(w, "unknown service provider", http.StatusBadRequest)
		return
	}
	acs, err := validateAuthnRequest(client, req, s.ssoURL(info, r), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ACSURL = acs

	ps, err := s.storeProtocolState(ctx, tenantID, req)
	if err != nil {
		http.Error(w, "failed to record request", http.StatusInternalServerError)
		return
	}

	params := map[string]string{}
	if req.ForceAuthn {
		params["prompt"] = "login"
	}
	res, err := s.orchestrator.Start(ctx, journey.StartContext{
		TenantID:      tenantID,
		ClientID:      client.ClientID,
		Type:          storage.JourneySignIn,
		Params:        params,
		CorrelationID: ps.ID,
	})
	if err != nil {
		s.postError(w, tenantID, req, StatusResponder, "authentication could not be started")
		return
	}
	s.deliverJourneyResult(w, r, tenantID, res)
}

func (s *Service) storeProtocolState(ctx context.Context, tenantID string, req *AuthnRequest) (*storage.ProtocolState, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	now := time.Now()
	ps := &storage.ProtocolState{
		ID:           uuid.NewString(),
		ProtocolName: "saml",
		Request:      raw,
		ClientID:     req.Issuer,
		TenantID:     tenantID,
		EndpointType: "sso",
		CreatedAt:    now,
		ExpiresAt:    now.Add(storage.DefaultProtocolStateTTL),
	}
	if err := s.store.StoreProtocolState(ctx, ps); err != nil {
		return nil, fmt.Errorf("failed to store protocol state: %w", err)
	}
	return ps, nil
}

// HandleJourneyContinue implements POST /saml/journey/{journeyID}.
func (s *Service) HandleJourneyContinue(w http.ResponseWriter, r *http.Request, journeyID string) {
	ctx := r.Context()
	tenantID := tenant.IDFromContext(ctx)

	input, err := parseJourneyInput(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.orchestrator.Continue(ctx, tenantID, journeyID, *input)
	if err != nil {
		http.Error(w, "journey not found or expired", http.StatusBadRequest)
		return
	}
	s.deliverJourneyResult(w, r, tenantID, res)
}

// parseJourneyInput accepts a JSON body {"step_id": ..., "input": {...}} or
// a plain form post where step_id is a reserved field.
func parseJourneyInput(r *http.Request) (*journey.StepInput, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			StepID string         `json:"step_id"`
			Input  map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("malformed journey input")
		}
		return &journey.StepInput{StepID: body.StepID, Values: body.Input}, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("malformed journey input")
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

func (s *Service) deliverJourneyResult(w http.ResponseWriter, r *http.Request, tenantID string, res *journey.Result) {
	switch res.State.Status {
	case storage.JourneyCompleted:
		s.finishSSO(w, r, tenantID, res)

	case storage.JourneyFailed:
		req, err := s.consumeRequestState(r.Context(), tenantID, res.State.CorrelationID)
		if err != nil {
			http.Error(w, "protocol state missing or already used", http.StatusBadRequest)
			return
		}
		message := "authentication failed"
		if res.State.Error != nil && res.State.Error.Description != "" {
			message = res.State.Error.Description
		}
		s.postError(w, tenantID, req, StatusRequester, message)

	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"journey_id": res.State.ID,
			"step_id":    res.State.CurrentStepID,
			"view":       res.ViewName,
			"view_model": res.ViewModel,
		})
	}
}

// consumeRequestState recovers and consumes the AuthnRequest behind a
// journey's correlation id.
func (s *Service) consumeRequestState(ctx context.Context, tenantID, correlationID string) (*AuthnRequest, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("journey has no protocol correlation")
	}
	ps, err := s.store.ConsumeProtocolState(ctx, tenantID, correlationID)
	if err != nil || ps.EndpointType != "sso" {
		return nil, fmt.Errorf("protocol state missing or already used")
	}
	req := &AuthnRequest{}
	if err := json.Unmarshal(ps.Request, req); err != nil {
		return nil, fmt.Errorf("failed to decode protocol state: %w", err)
	}
	return req, nil
}

// finishSSO signs and delivers the response for a completed journey.
func (s *Service) finishSSO(w http.ResponseWriter, r *http.Request, tenantID string, res *journey.Result) {
	ctx := r.Context()
	info := tenant.FromContext(ctx)

	req, err := s.consumeRequestState(ctx, tenantID, res.State.CorrelationID)
	if err != nil {
		http.Error(w, "protocol state missing or already used", http.StatusBadRequest)
		return
	}
	if res.State.UserID == "" {
		s.postError(w, tenantID, req, StatusRequester, "no subject was authenticated")
		return
	}
	user, err := s.store.GetUser(ctx, tenantID, res.State.UserID)
	if err != nil {
		s.postError(w, tenantID, req, StatusResponder, "subject not found")
		return
	}

	session, err := s.createSession(ctx, tenantID, res.State)
	if err != nil {
		logger.Errorw("failed to persist session", "error", err)
		s.postError(w, tenantID, req, StatusResponder, "")
		return
	}

	cred, err := s.credentials.Active(ctx, tenantID, s.algorithm)
	if err != nil {
		logger.Errorw("no signing credential for response", "tenant_id", tenantID, "error", err)
		s.postError(w, tenantID, req, StatusResponder, "")
		return
	}
	sctx, _, err := newSigningContext(ctx, s.store, cred)
	if err != nil {
		logger.Errorw("failed to prepare response signer", "error", err)
		s.postError(w, tenantID, req, StatusResponder, "")
		return
	}

	doc, err := buildResponse(&assertionInput{
		IdPEntityID:  s.entityID(info, r),
		SPEntityID:   req.Issuer,
		ACSURL:       req.ACSURL,
		InResponseTo: req.ID,
		NameIDFormat: req.NameIDFormat,
		Subject:      user,
		SessionIndex: session.SessionID,
		AuthTime:     session.AuthTime,
		Attributes:   assertionAttributes(user, res.OutputClaims),
		SignResponse: s.signResponses,
	}, sctx, time.Now())
	if err != nil {
		logger.Errorw("failed to build response", "error", err)
		s.postError(w, tenantID, req, StatusResponder, "")
		return
	}
	encoded, err := encodeResponseDoc(doc)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		s.postError(w, tenantID, req, StatusResponder, "")
		return
	}

	s.emitter.Emit(ctx, events.Event{
		Name:      ResponseIssued,
		TenantID:  tenantID,
		ClientID:  req.Issuer,
		SubjectID: user.ID,
		Details:   map[string]any{"acs_url": req.ACSURL},
	})
	renderAutoPost(w, req.ACSURL, "SAMLResponse", encoded, req.RelayState)
}

// assertionAttributes flattens the subject profile and the journey's output
// claims into attribute values.
func assertionAttributes(user *storage.User, claims map[string]any) map[string]string {
	attrs := map[string]string{}
	if user.Username != "" {
		attrs["username"] = user.Username
	}
	if user.Email != "" {
		attrs["email"] = user.Email
	}
	for name, value := range claims {
		switch v := value.(type) {
		case string:
			attrs[name] = v
		case fmt.Stringer:
			attrs[name] = v.String()
		case bool:
			attrs[name] = fmt.Sprintf("%t", v)
		case float64:
			attrs[name] = strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%f", v), "0"), ".")
		}
	}
	return attrs
}

func (s *Service) createSession(ctx context.Context, tenantID string, state *storage.JourneyState) (*storage.Session, error) {
	now := time.Now()
	session := &storage.Session{
		SessionID: uuid.NewString(),
		SubjectID: state.UserID,
		TenantID:  tenantID,
		AuthTime:  now,

		IdleDeadline:     now.Add(time.Hour),
		AbsoluteDeadline: now.Add(24 * time.Hour),
	}
	if err := s.store.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return session, nil
}

// postError delivers a protocol error response to the SP's ACS URL.
func (s *Service) postError(w http.ResponseWriter, tenantID string, req *AuthnRequest, statusCode, message string) {
	doc := buildErrorResponse("", req.ACSURL, req.ID, statusCode, message, time.Now())
	encoded, err := encodeResponseDoc(doc)
	if err != nil {
		logger.Errorw("failed to encode error response", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	renderAutoPost(w, req.ACSURL, "SAMLResponse", encoded, req.RelayState)
}

var autoPostTemplate = template.Must(template.New("autopost").Parse(`<!DOCTYPE html>
<html>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.URL}}">
<input type="hidden" name="{{.Field}}" value="{{.Value}}"/>
{{if .RelayState}}<input type="hidden" name="RelayState" value="{{.RelayState}}"/>{{end}}
<noscript><input type="submit" value="Continue"/></noscript>
</form>
</body>
</html>
`))

// renderAutoPost writes the auto-submitting POST form carrying the encoded
// document to the destination.
func renderAutoPost(w http.ResponseWriter, url, field, value, relayState string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := autoPostTemplate.Execute(w, map[string]string{
		"URL":        url,
		"Field":      field,
		"Value":      value,
		"RelayState": relayState,
	})
	if err != nil {
		logger.Debugw("failed to render form", "error", err)
	}
}
