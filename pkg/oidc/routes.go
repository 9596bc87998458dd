// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router mounts the OIDC endpoints. Discovery and JWKS are platform
// endpoints reachable without a resolved tenant; everything else consults
// the tenant carried in the request context.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/.well-known/openid-configuration", s.HandleDiscovery)
	r.Get("/.well-known/jwks", s.HandleJWKS)

	r.Route("/connect", func(r chi.Router) {
		r.Get("/authorize", s.HandleAuthorize)
		r.Post("/authorize", s.HandleAuthorize)
		r.Post("/token", s.HandleToken)
		r.Get("/userinfo", s.HandleUserinfo)
		r.Post("/userinfo", s.HandleUserinfo)
		r.Post("/revocation", s.HandleRevocation)
		r.Post("/introspect", s.HandleIntrospect)
		r.Get("/endsession", s.HandleEndSession)
		r.Post("/endsession", s.HandleEndSession)
		r.Post("/deviceauthorization", s.HandleDeviceAuthorization)
		r.Post("/par", s.HandlePAR)
		r.Post("/ciba", s.HandleCIBA)

		r.Post("/journey/{journeyID}", func(w http.ResponseWriter, req *http.Request) {
			s.HandleJourneyContinue(w, req, chi.URLParam(req, "journeyID"))
		})
	})

	return r
}
