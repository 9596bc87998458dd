// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package saml implements the SAML 2.0 protocol services: the identity
// provider (AuthnRequest intake over Redirect and POST bindings, signed
// Response/Assertion emission, metadata, single logout) and the
// service-provider side validation of inbound responses.
//
// Service providers are registered as clients: the SP entity id is the
// client id and the permitted ACS URLs are the client's redirect URIs.
package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/beevik/etree"
)

// SAML 2.0 constants.
const (
	NameIDFormatEmail       = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersistent  = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatTransient   = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
	NameIDFormatUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"

	StatusSuccess   = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder = "urn:oasis:names:tc:SAML:2.0:status:Responder"

	BindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	BindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"

	authnContextPassword = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	subjectMethodBearer  = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

	nsProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	nsAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
)

// maxRequestSize bounds decoded AuthnRequest documents.
const maxRequestSize = 512 * 1024

// AuthnRequest is the parsed shape of an inbound authentication request.
type AuthnRequest struct {
	ID           string    `json:"id"`
	IssueInstant time.Time `json:"issue_instant"`
	Destination  string    `json:"destination,omitempty"`
	Issuer       string    `json:"issuer"`
	ACSURL       string    `json:"acs_url"`
	NameIDFormat string    `json:"name_id_format,omitempty"`
	ForceAuthn   bool      `json:"force_authn,omitempty"`

	// RelayState travels alongside the request, opaque to the IdP.
	RelayState string `json:"relay_state,omitempty"`
}

// DecodeRedirectBinding decodes a SAMLRequest query parameter: base64,
// then raw DEFLATE (RFC 1951). URL decoding already happened during query
// parsing.
func DecodeRedirectBinding(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("request is not valid base64: %w", err)
	}
	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()
	raw, err := io.ReadAll(io.LimitReader(reader, maxRequestSize))
	if err != nil {
		return nil, fmt.Errorf("request inflation failed: %w", err)
	}
	return raw, nil
}

// DecodePostBinding decodes a SAMLRequest form field: base64 of the plain
// XML document.
func DecodePostBinding(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("request is not valid base64: %w", err)
	}
	if len(raw) > maxRequestSize {
		return nil, fmt.Errorf("request exceeds %d bytes", maxRequestSize)
	}
	return raw, nil
}

// EncodeRedirectBinding is the inverse of DecodeRedirectBinding, used by
// tests and the SP side.
func EncodeRedirectBinding(raw []byte) (string, error) {
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := writer.Write(raw); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ParseAuthnRequest parses an AuthnRequest document.
func ParseAuthnRequest(raw []byte) (*AuthnRequest, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "AuthnRequest" {
		return nil, fmt.Errorf("document is not an AuthnRequest")
	}

	req := &AuthnRequest{
		ID:          root.SelectAttrValue("ID", ""),
		Destination: root.SelectAttrValue("Destination", ""),
		ACSURL:      root.SelectAttrValue("AssertionConsumerServiceURL", ""),
		ForceAuthn:  root.SelectAttrValue("ForceAuthn", "") == "true",
	}
	if req.ID == "" {
		return nil, fmt.Errorf("AuthnRequest has no ID")
	}
	if instant := root.SelectAttrValue("IssueInstant", ""); instant != "" {
		t, err := time.Parse(time.RFC3339, instant)
		if err != nil {
			return nil, fmt.Errorf("invalid IssueInstant: %w", err)
		}
		req.IssueInstant = t
	}
	if issuer := root.FindElement("./Issuer"); issuer != nil {
		req.Issuer = issuer.Text()
	}
	if req.Issuer == "" {
		return nil, fmt.Errorf("AuthnRequest has no Issuer")
	}
	if policy := root.FindElement("./NameIDPolicy"); policy != nil {
		req.NameIDFormat = policy.SelectAttrValue("Format", "")
	}
	return req, nil
}
