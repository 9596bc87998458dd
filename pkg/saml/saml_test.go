// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/journey/steps"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

const (
	testTenant   = "acme"
	testIssuer   = "https://login.example.com"
	testSP       = "https://sp.example"
	testACS      = "https://sp.example/acs"
	testSSOURL   = testIssuer + "/saml/sso"
	testEntityID = testIssuer + "/saml"
)

type fixture struct {
	store    *storage.MemoryStore
	svc      *Service
	recorder *events.Recorder
	cert     *x509.Certificate
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	enc, err := idcrypto.NewAESGCMEncryptionService(make([]byte, 32))
	require.NoError(t, err)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	provider := keys.NewLocalProvider(enc)
	registry := keys.NewRegistry()
	registry.Register(provider)

	rec, material, err := provider.Generate(keys.KeySpec{
		TenantID:  testTenant,
		Type:      storage.KeyTypeEC,
		Algorithm: "ES256",
	})
	require.NoError(t, err)
	require.NoError(t, store.PutKey(ctx, rec))

	der, certMeta, err := keys.IssueCertificate(material, keys.CertificateRequest{
		SubjectCN: "login.example.com",
	})
	require.NoError(t, err)
	require.NoError(t, store.PutCertificate(ctx, certMeta))
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	creds := signing.NewCredentialStore(store, registry)

	recorder := &events.Recorder{}
	emitter := events.NewEmitter(recorder)

	stepRegistry := journey.NewRegistry()
	stepRegistry.MustRegister(steps.NewLocalLogin())
	evaluator, err := journey.NewEvaluator()
	require.NoError(t, err)
	orch := journey.NewOrchestrator(store, store, stepRegistry, evaluator, &journey.Capabilities{
		Users:     store,
		Consents:  store,
		Resources: store,
		Clients:   store,
		Events:    emitter,
	}, emitter)

	resolver := tenant.NewResolver(nil, nil, testIssuer)
	svc := NewService(store, creds, orch, resolver, emitter)

	router := svc.Router()
	f := &fixture{
		store:    store,
		svc:      svc,
		recorder: recorder,
		cert:     cert,
	}
	f.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := tenant.WithTenant(r.Context(), &tenant.Info{ID: testTenant, IssuerURI: testIssuer})
		router.ServeHTTP(w, r.WithContext(rctx))
	})
	return f
}

func (f *fixture) seedSPAndUser(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutClient(ctx, &storage.Client{
		ClientID:     testSP,
		TenantID:     testTenant,
		RedirectURIs: []string{testACS},
	}))

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.store.PutUser(ctx, &storage.User{
		ID:           "u-alice",
		TenantID:     testTenant,
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: string(hash),
		Active:       true,
	}))

	require.NoError(t, f.store.PutPolicy(ctx, &storage.JourneyPolicy{
		ID:       "signin-default",
		TenantID: testTenant,
		Type:     storage.JourneySignIn,
		Enabled:  true,
		Steps: []storage.PolicyStep{
			{ID: "login", Type: "local_login", Order: 1},
		},
	}))
}

func (f *fixture) do(t *testing.T, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func buildAuthnRequestXML(t *testing.T, id, acs, nameIDFormat string) []byte {
	t.Helper()
	root := etree.NewElement("samlp:AuthnRequest")
	root.CreateAttr("xmlns:samlp", nsProtocol)
	root.CreateAttr("xmlns:saml", nsAssertion)
	root.CreateAttr("ID", id)
	root.CreateAttr("Version", "2.0")
	root.CreateAttr("IssueInstant", time.Now().UTC().Format(time.RFC3339))
	root.CreateAttr("Destination", testSSOURL)
	if acs != "" {
		root.CreateAttr("AssertionConsumerServiceURL", acs)
	}
	root.CreateElement("saml:Issuer").SetText(testSP)
	if nameIDFormat != "" {
		root.CreateElement("samlp:NameIDPolicy").CreateAttr("Format", nameIDFormat)
	}
	doc := etree.NewDocument()
	doc.SetRoot(root)
	raw, err := doc.WriteToBytes()
	require.NoError(t, err)
	return raw
}

var samlResponseRE = regexp.MustCompile(`name="SAMLResponse" value="([^"]+)"`)

// extractResponse pulls the base64 SAMLResponse out of the auto-post form.
func extractResponse(t *testing.T, body string) []byte {
	t.Helper()
	match := samlResponseRE.FindStringSubmatch(body)
	require.NotNil(t, match, body)
	raw, err := base64.StdEncoding.DecodeString(match[1])
	require.NoError(t, err)
	return raw
}

// login drives the single-step journey behind an SSO request and returns
// the auto-post response body.
func (f *fixture) login(t *testing.T, rec *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, steps.LocalLoginView, view["view"])

	return f.do(t, http.MethodPost, "/saml/journey/"+view["journey_id"].(string), url.Values{
		"step_id":  {view["step_id"].(string)},
		"username": {"alice"},
		"password": {"pw"},
	})
}

func TestSSOFlowEmailNameID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSPAndUser(t)

	raw := buildAuthnRequestXML(t, "_req-1", testACS, NameIDFormatEmail)
	encoded, err := EncodeRedirectBinding(raw)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/saml/sso?"+url.Values{
		"SAMLRequest": {encoded},
		"RelayState":  {"rs-42"},
	}.Encode(), nil)

	rec = f.login(t, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, `action="`+testACS+`"`)
	assert.Contains(t, body, `name="RelayState" value="rs-42"`)

	info, err := ValidateResponse(extractResponse(t, body), ValidateOptions{
		Certificates: []*x509.Certificate{f.cert},
		Audience:     testSP,
		InResponseTo: "_req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", info.NameID)
	assert.Equal(t, NameIDFormatEmail, info.NameIDFormat)
	assert.Equal(t, testSP, info.Audience)
	assert.NotEmpty(t, info.SessionIndex)
	assert.Equal(t, "alice@example.com", info.Attributes["email"])
	assert.Equal(t, "alice", info.Attributes["username"])

	// The session behind the SessionIndex is live.
	session, err := f.store.GetSession(context.Background(), testTenant, info.SessionIndex)
	require.NoError(t, err)
	assert.Equal(t, "u-alice", session.SubjectID)

	issued := f.recorder.Named(ResponseIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, testSP, issued[0].ClientID)
}

func TestSSOFlowPersistentNameID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSPAndUser(t)

	raw := buildAuthnRequestXML(t, "_req-2", testACS, NameIDFormatPersistent)
	rec := f.do(t, http.MethodPost, "/saml/sso", url.Values{
		"SAMLRequest": {base64.StdEncoding.EncodeToString(raw)},
	})
	rec = f.login(t, rec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	info, err := ValidateResponse(extractResponse(t, rec.Body.String()), ValidateOptions{
		Certificates: []*x509.Certificate{f.cert},
		Audience:     testSP,
	})
	require.NoError(t, err)
	assert.Equal(t, "u-alice", info.NameID)
	assert.Equal(t, NameIDFormatPersistent, info.NameIDFormat)
}

func TestSSOValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSPAndUser(t)

	post := func(raw []byte) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/saml/sso", url.Values{
			"SAMLRequest": {base64.StdEncoding.EncodeToString(raw)},
		})
	}

	t.Run("unknown issuer", func(t *testing.T) {
		doc := etree.NewDocument()
		require.NoError(t, doc.ReadFromBytes(buildAuthnRequestXML(t, "_r", testACS, "")))
		doc.Root().FindElement("./Issuer").SetText("https://evil.example")
		raw, err := doc.WriteToBytes()
		require.NoError(t, err)
		rec := post(raw)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown service provider")
	})

	t.Run("unregistered ACS", func(t *testing.T) {
		rec := post(buildAuthnRequestXML(t, "_r", "https://evil.example/acs", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "not registered")
	})

	t.Run("wrong destination", func(t *testing.T) {
		doc := etree.NewDocument()
		require.NoError(t, doc.ReadFromBytes(buildAuthnRequestXML(t, "_r", testACS, "")))
		doc.Root().RemoveAttr("Destination")
		doc.Root().CreateAttr("Destination", "https://other-idp.example/sso")
		raw, err := doc.WriteToBytes()
		require.NoError(t, err)
		rec := post(raw)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed base64", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/saml/sso", url.Values{"SAMLRequest": {"!!!"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestValidateResponseRejectsTampering(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSPAndUser(t)

	raw := buildAuthnRequestXML(t, "_req-3", testACS, NameIDFormatEmail)
	encoded, err := EncodeRedirectBinding(raw)
	require.NoError(t, err)
	rec := f.do(t, http.MethodGet, "/saml/sso?"+url.Values{"SAMLRequest": {encoded}}.Encode(), nil)
	rec = f.login(t, rec)
	require.Equal(t, http.StatusOK, rec.Code)
	response := extractResponse(t, rec.Body.String())

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(response))
	doc.Root().FindElement("./Assertion/Subject/NameID").SetText("mallory@example.com")
	tampered, err := doc.WriteToBytes()
	require.NoError(t, err)

	_, err = ValidateResponse(tampered, ValidateOptions{
		Certificates: []*x509.Certificate{f.cert},
	})
	require.Error(t, err)

	t.Run("untrusted certificate", func(t *testing.T) {
		other := newFixture(t)
		_, err := ValidateResponse(response, ValidateOptions{
			Certificates: []*x509.Certificate{other.cert},
		})
		require.Error(t, err)
	})
}

func TestRedirectBindingRoundTrip(t *testing.T) {
	t.Parallel()
	raw := buildAuthnRequestXML(t, "_rt", testACS, NameIDFormatEmail)
	encoded, err := EncodeRedirectBinding(raw)
	require.NoError(t, err)
	decoded, err := DecodeRedirectBinding(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	req, err := ParseAuthnRequest(decoded)
	require.NoError(t, err)
	assert.Equal(t, "_rt", req.ID)
	assert.Equal(t, testSP, req.Issuer)
	assert.Equal(t, testACS, req.ACSURL)
	assert.Equal(t, NameIDFormatEmail, req.NameIDFormat)
}

func TestParseAuthnRequestErrors(t *testing.T) {
	t.Parallel()
	_, err := ParseAuthnRequest([]byte("not xml"))
	assert.Error(t, err)

	_, err = ParseAuthnRequest([]byte(`<AuthnRequest xmlns="` + nsProtocol + `" ID="_x"/>`))
	assert.ErrorContains(t, err, "no Issuer")

	_, err = ParseAuthnRequest([]byte(`<Response xmlns="` + nsProtocol + `" ID="_x"/>`))
	assert.ErrorContains(t, err, "not an AuthnRequest")
}

func TestMetadata(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/saml/metadata", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(rec.Body.Bytes()))
	root := doc.Root()
	assert.Equal(t, testEntityID, root.SelectAttrValue("entityID", ""))
	require.NotNil(t, root.FindElement("./IDPSSODescriptor/KeyDescriptor/KeyInfo/X509Data/X509Certificate"))
	ssoEndpoints := root.FindElements("./IDPSSODescriptor/SingleSignOnService")
	require.Len(t, ssoEndpoints, 2)
	assert.Equal(t, testSSOURL, ssoEndpoints[0].SelectAttrValue("Location", ""))
}

func TestSingleLogout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSPAndUser(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutSession(ctx, &storage.Session{
		SessionID:        "sess-1",
		SubjectID:        "u-alice",
		TenantID:         testTenant,
		AuthTime:         time.Now(),
		IdleDeadline:     time.Now().Add(time.Hour),
		AbsoluteDeadline: time.Now().Add(time.Hour),
	}))

	logout := etree.NewElement("samlp:LogoutRequest")
	logout.CreateAttr("xmlns:samlp", nsProtocol)
	logout.CreateAttr("xmlns:saml", nsAssertion)
	logout.CreateAttr("ID", "_lo-1")
	logout.CreateAttr("Version", "2.0")
	logout.CreateElement("saml:Issuer").SetText(testSP)
	logout.CreateElement("saml:NameID").SetText("alice@example.com")
	logout.CreateElement("samlp:SessionIndex").SetText("sess-1")
	doc := etree.NewDocument()
	doc.SetRoot(logout)
	raw, err := doc.WriteToBytes()
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/saml/slo", url.Values{
		"SAMLRequest": {base64.StdEncoding.EncodeToString(raw)},
		"RelayState":  {"rs-lo"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err = f.store.GetSession(ctx, testTenant, "sess-1")
	assert.Error(t, err)

	response := extractResponse(t, rec.Body.String())
	respDoc := etree.NewDocument()
	require.NoError(t, respDoc.ReadFromBytes(response))
	root := respDoc.Root()
	assert.Equal(t, "LogoutResponse", root.Tag)
	assert.Equal(t, "_lo-1", root.SelectAttrValue("InResponseTo", ""))
	assert.Equal(t, StatusSuccess,
		root.FindElement("./Status/StatusCode").SelectAttrValue("Value", ""))
}
