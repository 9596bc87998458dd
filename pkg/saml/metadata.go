// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package saml

import (
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/tenant"
)

const (
	nsMetadata = "urn:oasis:names:tc:SAML:2.0:metadata"
	nsXMLDSig  = "http://www.w3.org/2000/09/xmldsig#"
)

// HandleMetadata implements GET /saml/metadata: the IdP entity descriptor
// with the signing certificate and both SSO bindings.
func (s *Service) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := tenant.FromContext(ctx)
	tenantID := tenant.IDFromContext(ctx)

	cred, err := s.credentials.Active(ctx, tenantID, s.algorithm)
	if err != nil {
		logger.Errorw("no signing credential for metadata", "tenant_id", tenantID, "error", err)
		http.Error(w, "no signing credential", http.StatusInternalServerError)
		return
	}
	cert, err := s.store.GetCertificate(ctx, cred.KeyID)
	if err != nil {
		logger.Errorw("signing key has no certificate", "key_id", cred.KeyID, "error", err)
		http.Error(w, "no signing certificate", http.StatusInternalServerError)
		return
	}

	entity := etree.NewElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", nsMetadata)
	entity.CreateAttr("entityID", s.entityID(info, r))
	entity.CreateAttr("validUntil", time.Now().Add(24*time.Hour).UTC().Format(time.RFC3339))

	idp := entity.CreateElement("md:IDPSSODescriptor")
	idp.CreateAttr("protocolSupportEnumeration", nsProtocol)
	idp.CreateAttr("WantAuthnRequestsSigned", "false")

	keyDesc := idp.CreateElement("md:KeyDescriptor")
	keyDesc.CreateAttr("use", "signing")
	keyInfo := keyDesc.CreateElement("ds:KeyInfo")
	keyInfo.CreateAttr("xmlns:ds", nsXMLDSig)
	keyInfo.CreateElement("ds:X509Data").
		CreateElement("ds:X509Certificate").
		SetText(cert.CertificateData)

	slo := idp.CreateElement("md:SingleLogoutService")
	slo.CreateAttr("Binding", BindingHTTPPost)
	slo.CreateAttr("Location", s.sloURL(info, r))

	for _, format := range []string{NameIDFormatEmail, NameIDFormatPersistent, NameIDFormatTransient} {
		idp.CreateElement("md:NameIDFormat").SetText(format)
	}

	for _, binding := range []string{BindingHTTPRedirect, BindingHTTPPost} {
		sso := idp.CreateElement("md:SingleSignOnService")
		sso.CreateAttr("Binding", binding)
		sso.CreateAttr("Location", s.ssoURL(info, r))
	}

	doc := etree.NewDocument()
	doc.SetRoot(entity)
	raw, err := doc.WriteToBytes()
	if err != nil {
		http.Error(w, "failed to serialize metadata", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(raw)
}
