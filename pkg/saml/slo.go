// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package saml

import (
	"fmt"
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/tenant"
)

// LogoutRequest is the parsed shape of an inbound single-logout request.
type LogoutRequest struct {
	ID           string
	Issuer       string
	NameID       string
	SessionIndex string
}

// ParseLogoutRequest parses a LogoutRequest document.
func ParseLogoutRequest(raw []byte) (*LogoutRequest, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "LogoutRequest" {
		return nil, fmt.Errorf("document is not a LogoutRequest")
	}
	req := &LogoutRequest{ID: root.SelectAttrValue("ID", "")}
	if req.ID == "" {
		return nil, fmt.Errorf("LogoutRequest has no ID")
	}
	if issuer := root.FindElement("./Issuer"); issuer != nil {
		req.Issuer = issuer.Text()
	}
	if req.Issuer == "" {
		return nil, fmt.Errorf("LogoutRequest has no Issuer")
	}
	if nameID := root.FindElement("./NameID"); nameID != nil {
		req.NameID = nameID.Text()
	}
	if index := root.FindElement("./SessionIndex"); index != nil {
		req.SessionIndex = index.Text()
	}
	return req, nil
}

// HandleSLO implements the single-logout endpoint. The session named by the
// SessionIndex is deleted and a LogoutResponse is posted back to the SP's
// logout URL (the first registered post-logout redirect URI, falling back
// to the first ACS URL).
func (s *Service) HandleSLO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := tenant.FromContext(ctx)
	tenantID := tenant.IDFromContext(ctx)

	raw, relayState, err := decodeRequestField(r, "SAMLRequest")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := ParseLogoutRequest(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	client, err := s.store.GetClient(ctx, tenantID, req.Issuer)
	if err != nil {
		http.Error(w, "unknown service provider", http.StatusBadRequest)
		return
	}
	destination := ""
	if len(client.PostLogoutRedirectURIs) > 0 {
		destination = client.PostLogoutRedirectURIs[0]
	} else if len(client.RedirectURIs) > 0 {
		destination = client.RedirectURIs[0]
	}
	if destination == "" {
		http.Error(w, "service provider has no logout destination", http.StatusBadRequest)
		return
	}

	status := StatusSuccess
	if req.SessionIndex != "" {
		if err := s.store.DeleteSession(ctx, tenantID, req.SessionIndex); err != nil {
			logger.Debugw("logout for unknown session", "session_index", req.SessionIndex)
		}
	}

	doc := buildLogoutResponse(s.entityID(info, r), destination, req.ID, status, time.Now())
	encoded, err := encodeResponseDoc(doc)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	renderAutoPost(w, destination, "SAMLResponse", encoded, relayState)
}

func buildLogoutResponse(idpEntityID, destination, inResponseTo, statusCode string, now time.Time) *etree.Document {
	resp := etree.NewElement("samlp:LogoutResponse")
	resp.CreateAttr("xmlns:samlp", nsProtocol)
	resp.CreateAttr("xmlns:saml", nsAssertion)
	resp.CreateAttr("ID", samlID())
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))
	resp.CreateAttr("Destination", destination)
	resp.CreateAttr("InResponseTo", inResponseTo)
	resp.CreateElement("saml:Issuer").SetText(idpEntityID)
	resp.CreateElement("samlp:Status").
		CreateElement("samlp:StatusCode").
		CreateAttr("Value", statusCode)
	doc := etree.NewDocument()
	doc.SetRoot(resp)
	return doc
}
