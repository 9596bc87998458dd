// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package saml

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/signing"
	"github.com/stacklok/idhive/pkg/storage"
)

// Default assertion validity window around now.
const (
	defaultNotBeforeSkew  = time.Minute
	defaultAssertionValid = 5 * time.Minute

	// maxRequestAge rejects stale AuthnRequests.
	maxRequestAge = 10 * time.Minute
)

// validateAuthnRequest checks an inbound request against the registered
// service provider (a client whose redirect URIs are the permitted ACS
// URLs). Returns the resolved ACS URL.
func validateAuthnRequest(client *storage.Client, req *AuthnRequest, ssoURL string, now time.Time) (string, error) {
	if req.Destination != "" && req.Destination != ssoURL {
		return "", fmt.Errorf("request Destination %q does not address this IdP", req.Destination)
	}
	if !req.IssueInstant.IsZero() {
		if age := now.Sub(req.IssueInstant); age > maxRequestAge || age < -defaultNotBeforeSkew {
			return "", fmt.Errorf("request IssueInstant is outside the accepted window")
		}
	}
	if req.ACSURL == "" {
		if len(client.RedirectURIs) == 0 {
			return "", fmt.Errorf("service provider %s has no registered ACS URL", client.ClientID)
		}
		return client.RedirectURIs[0], nil
	}
	for _, registered := range client.RedirectURIs {
		if registered == req.ACSURL {
			return req.ACSURL, nil
		}
	}
	return "", fmt.Errorf("ACS URL %q is not registered for %s", req.ACSURL, client.ClientID)
}

// assertionInput gathers everything the response builder needs.
type assertionInput struct {
	IdPEntityID  string
	SPEntityID   string
	ACSURL       string
	InResponseTo string
	NameIDFormat string
	Subject      *storage.User
	SessionIndex string
	AuthTime     time.Time

	// Attributes become the AttributeStatement; journey output claims and
	// the subject's profile both land here.
	Attributes map[string]string

	SignResponse bool
}

// resolveNameID maps the requested format onto the subject.
func resolveNameID(format string, user *storage.User) (string, string, error) {
	switch format {
	case NameIDFormatEmail:
		if user.Email == "" {
			return "", "", fmt.Errorf("subject %s has no email for the requested NameID format", user.ID)
		}
		return user.Email, NameIDFormatEmail, nil
	case NameIDFormatPersistent:
		return user.ID, NameIDFormatPersistent, nil
	case NameIDFormatTransient:
		handle, err := idcrypto.RandomHandle(32)
		if err != nil {
			return "", "", err
		}
		return handle, NameIDFormatTransient, nil
	case "", NameIDFormatUnspecified:
		if user.Email != "" {
			return user.Email, NameIDFormatEmail, nil
		}
		return user.ID, NameIDFormatPersistent, nil
	default:
		return "", "", fmt.Errorf("unsupported NameID format %q", format)
	}
}

// samlID returns a schema-valid unique ID (must not start with a digit).
func samlID() string {
	return "_" + uuid.NewString()
}

// buildResponse assembles and signs a <samlp:Response> carrying a single
// assertion. The assertion is always signed; the response is additionally
// signed when the input asks for it.
func buildResponse(in *assertionInput, signer *dsig.SigningContext, now time.Time) (*etree.Document, error) {
	nameID, nameIDFormat, err := resolveNameID(in.NameIDFormat, in.Subject)
	if err != nil {
		return nil, err
	}
	notBefore := now.Add(-defaultNotBeforeSkew)
	notOnOrAfter := now.Add(defaultAssertionValid)

	resp := etree.NewElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", nsProtocol)
	resp.CreateAttr("xmlns:saml", nsAssertion)
	resp.CreateAttr("ID", samlID())
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))
	resp.CreateAttr("Destination", in.ACSURL)
	if in.InResponseTo != "" {
		resp.CreateAttr("InResponseTo", in.InResponseTo)
	}
	resp.CreateElement("saml:Issuer").SetText(in.IdPEntityID)

	status := resp.CreateElement("samlp:Status")
	status.CreateElement("samlp:StatusCode").CreateAttr("Value", StatusSuccess)

	assertion := etree.NewElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", nsAssertion)
	assertion.CreateAttr("ID", samlID())
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))
	assertion.CreateElement("saml:Issuer").SetText(in.IdPEntityID)

	subject := assertion.CreateElement("saml:Subject")
	nameIDEl := subject.CreateElement("saml:NameID")
	nameIDEl.CreateAttr("Format", nameIDFormat)
	nameIDEl.SetText(nameID)
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", subjectMethodBearer)
	confirmationData := confirmation.CreateElement("saml:SubjectConfirmationData")
	confirmationData.CreateAttr("Recipient", in.ACSURL)
	confirmationData.CreateAttr("NotOnOrAfter", notOnOrAfter.UTC().Format(time.RFC3339))
	if in.InResponseTo != "" {
		confirmationData.CreateAttr("InResponseTo", in.InResponseTo)
	}

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", notBefore.UTC().Format(time.RFC3339))
	conditions.CreateAttr("NotOnOrAfter", notOnOrAfter.UTC().Format(time.RFC3339))
	audience := conditions.CreateElement("saml:AudienceRestriction")
	audience.CreateElement("saml:Audience").SetText(in.SPEntityID)

	authnStatement := assertion.CreateElement("saml:AuthnStatement")
	authTime := in.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	authnStatement.CreateAttr("AuthnInstant", authTime.UTC().Format(time.RFC3339))
	if in.SessionIndex != "" {
		authnStatement.CreateAttr("SessionIndex", in.SessionIndex)
	}
	authnContext := authnStatement.CreateElement("saml:AuthnContext")
	authnContext.CreateElement("saml:AuthnContextClassRef").SetText(authnContextPassword)

	if len(in.Attributes) > 0 {
		stmt := assertion.CreateElement("saml:AttributeStatement")
		for _, name := range sortedKeys(in.Attributes) {
			attr := stmt.CreateElement("saml:Attribute")
			attr.CreateAttr("Name", name)
			attr.CreateElement("saml:AttributeValue").SetText(in.Attributes[name])
		}
	}

	signedAssertion, err := signer.SignEnveloped(assertion)
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}
	resp.AddChild(signedAssertion)

	doc := etree.NewDocument()
	if in.SignResponse {
		signedResponse, err := signer.SignEnveloped(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to sign response: %w", err)
		}
		doc.SetRoot(signedResponse)
	} else {
		doc.SetRoot(resp)
	}
	return doc, nil
}

// buildErrorResponse assembles an unsigned error response for the SP.
func buildErrorResponse(idpEntityID, acsURL, inResponseTo, statusCode, message string, now time.Time) *etree.Document {
	resp := etree.NewElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", nsProtocol)
	resp.CreateAttr("xmlns:saml", nsAssertion)
	resp.CreateAttr("ID", samlID())
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))
	resp.CreateAttr("Destination", acsURL)
	if inResponseTo != "" {
		resp.CreateAttr("InResponseTo", inResponseTo)
	}
	resp.CreateElement("saml:Issuer").SetText(idpEntityID)
	status := resp.CreateElement("samlp:Status")
	status.CreateElement("samlp:StatusCode").CreateAttr("Value", statusCode)
	if message != "" {
		status.CreateElement("samlp:StatusMessage").SetText(message)
	}
	doc := etree.NewDocument()
	doc.SetRoot(resp)
	return doc
}

// encodeResponseDoc serializes and base64-encodes a response document for
// the POST binding.
func encodeResponseDoc(doc *etree.Document) (string, error) {
	raw, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("failed to serialize response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// newSigningContext builds the enveloped-signature signer from an unsealed
// credential and its certificate.
func newSigningContext(ctx context.Context, keys storage.SigningKeyStore, cred *signing.Credential) (*dsig.SigningContext, []byte, error) {
	cert, err := keys.GetCertificate(ctx, cred.KeyID)
	if err != nil {
		return nil, nil, fmt.Errorf("signing key %s has no certificate: %w", cred.KeyID, err)
	}
	certDER, err := base64.StdEncoding.DecodeString(cert.CertificateData)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed certificate for key %s: %w", cred.KeyID, err)
	}
	sctx, err := dsig.NewSigningContext(cred.Material.Signer, [][]byte{certDER})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build signing context: %w", err)
	}
	if err := sctx.SetSignatureMethod(signatureMethod(cred.Algorithm)); err != nil {
		return nil, nil, fmt.Errorf("unsupported signature method: %w", err)
	}
	return sctx, certDER, nil
}

// signatureMethod maps JWS algorithm names onto XML-DSig methods.
func signatureMethod(algorithm string) string {
	switch algorithm {
	case "ES256":
		return dsig.ECDSASHA256SignatureMethod
	case "ES384":
		return dsig.ECDSASHA384SignatureMethod
	case "ES512":
		return dsig.ECDSASHA512SignatureMethod
	case "RS384":
		return dsig.RSASHA384SignatureMethod
	case "RS512":
		return dsig.RSASHA512SignatureMethod
	default:
		return dsig.RSASHA256SignatureMethod
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
