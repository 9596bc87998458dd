// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package saml

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// AssertionInfo is the validated content of a response assertion.
type AssertionInfo struct {
	NameID       string
	NameIDFormat string
	SessionIndex string
	InResponseTo string
	Audience     string
	Attributes   map[string]string
}

// ValidateOptions controls response validation on the relying side.
type ValidateOptions struct {
	// Certificates are the IdP signing certificates to trust.
	Certificates []*x509.Certificate

	// Audience must match the assertion's AudienceRestriction when set.
	Audience string

	// InResponseTo must match the response's InResponseTo when set.
	InResponseTo string

	// Now overrides the validation clock, zero means time.Now.
	Now time.Time
}

// ValidateResponse verifies an inbound response document: the XML
// signature over the assertion (or the whole response), the status, the
// conditions window, the audience, and request correlation. Only content
// recovered from the validated signature is returned.
func ValidateResponse(raw []byte, opts ValidateOptions) (*AssertionInfo, error) {
	if len(opts.Certificates) == 0 {
		return nil, fmt.Errorf("no trusted certificates")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" {
		return nil, fmt.Errorf("document is not a Response")
	}

	statusCode := root.FindElement("./Status/StatusCode")
	if statusCode == nil {
		return nil, fmt.Errorf("response has no status")
	}
	if value := statusCode.SelectAttrValue("Value", ""); value != StatusSuccess {
		message := ""
		if el := root.FindElement("./Status/StatusMessage"); el != nil {
			message = el.Text()
		}
		return nil, fmt.Errorf("response status %s: %s", value, message)
	}
	if opts.InResponseTo != "" {
		if got := root.SelectAttrValue("InResponseTo", ""); got != opts.InResponseTo {
			return nil, fmt.Errorf("response does not answer the expected request")
		}
	}

	assertion, err := validatedAssertion(root, opts.Certificates)
	if err != nil {
		return nil, err
	}

	if conditions := assertion.FindElement("./Conditions"); conditions != nil {
		if err := checkConditions(conditions, opts.Audience, now); err != nil {
			return nil, err
		}
	} else if opts.Audience != "" {
		return nil, fmt.Errorf("assertion has no conditions")
	}

	info := &AssertionInfo{Attributes: map[string]string{}}
	if nameID := assertion.FindElement("./Subject/NameID"); nameID != nil {
		info.NameID = nameID.Text()
		info.NameIDFormat = nameID.SelectAttrValue("Format", "")
	}
	if info.NameID == "" {
		return nil, fmt.Errorf("assertion has no subject NameID")
	}
	if stmt := assertion.FindElement("./AuthnStatement"); stmt != nil {
		info.SessionIndex = stmt.SelectAttrValue("SessionIndex", "")
	}
	if audience := assertion.FindElement("./Conditions/AudienceRestriction/Audience"); audience != nil {
		info.Audience = audience.Text()
	}
	info.InResponseTo = root.SelectAttrValue("InResponseTo", "")
	for _, attr := range assertion.FindElements("./AttributeStatement/Attribute") {
		name := attr.SelectAttrValue("Name", "")
		value := attr.FindElement("./AttributeValue")
		if name != "" && value != nil {
			info.Attributes[name] = value.Text()
		}
	}
	return info, nil
}

// validatedAssertion verifies the enveloped signature and returns the
// assertion element from the validated tree. An assertion-level signature
// is tried first, then a response-level one covering the assertion.
func validatedAssertion(root *etree.Element, certs []*x509.Certificate) (*etree.Element, error) {
	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: certs})

	assertion := root.FindElement("./Assertion")
	if assertion == nil {
		return nil, fmt.Errorf("response has no assertion")
	}
	if assertion.FindElement("./Signature") != nil {
		validated, err := vctx.Validate(assertion)
		if err != nil {
			return nil, fmt.Errorf("assertion signature invalid: %w", err)
		}
		return validated, nil
	}

	if root.FindElement("./Signature") == nil {
		return nil, fmt.Errorf("neither response nor assertion is signed")
	}
	validated, err := vctx.Validate(root)
	if err != nil {
		return nil, fmt.Errorf("response signature invalid: %w", err)
	}
	assertion = validated.FindElement("./Assertion")
	if assertion == nil {
		return nil, fmt.Errorf("signed response has no assertion")
	}
	return assertion, nil
}

func checkConditions(conditions *etree.Element, audience string, now time.Time) error {
	if raw := conditions.SelectAttrValue("NotBefore", ""); raw != "" {
		notBefore, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid NotBefore: %w", err)
		}
		if now.Before(notBefore) {
			return fmt.Errorf("assertion is not yet valid")
		}
	}
	if raw := conditions.SelectAttrValue("NotOnOrAfter", ""); raw != "" {
		notOnOrAfter, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid NotOnOrAfter: %w", err)
		}
		if !now.Before(notOnOrAfter) {
			return fmt.Errorf("assertion has expired")
		}
	}
	if audience != "" {
		found := false
		for _, el := range conditions.FindElements("./AudienceRestriction/Audience") {
			if el.Text() == audience {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("assertion audience does not include %s", audience)
		}
	}
	return nil
}
