// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server composes the protocol front-ends into the public HTTP
// surface: tenant resolution, CORS, metrics, and the OIDC, SAML, and SCIM
// routers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/tenant"
)

const readHeaderTimeout = 10 * time.Second

// Services are the protocol front-ends to mount. Any of them may be nil;
// the corresponding surface is then not served.
type Services struct {
	OIDC  http.Handler // self-prefixed: /.well-known, /connect
	SAML  http.Handler // self-prefixed: /saml
	SCIM  http.Handler // self-prefixed: /scim/v2
	Admin http.Handler // self-prefixed: /api/v1
}

// Server is the public-facing HTTP server.
type Server struct {
	store    storage.Store
	resolver *tenant.Resolver
	origins  *OriginCache
	metrics  *Metrics
	services Services
}

// New wires the public server. The origin cache is created here so the
// admin API can invalidate it through OriginCache().
func New(store storage.Store, resolver *tenant.Resolver, metrics *Metrics, services Services) *Server {
	return &Server{
		store:    store,
		resolver: resolver,
		origins:  NewOriginCache(store),
		metrics:  metrics,
		services: services,
	}
}

// OriginCache exposes the CORS origin cache for invalidation wiring.
func (s *Server) OriginCache() *OriginCache {
	return s.origins
}

// Handler builds the composed router. The mounted services route on their
// own full paths, so they are attached with wildcard handlers rather than
// prefix-stripping mounts.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.metrics.Middleware,
		s.origins.Middleware,
		s.tenantMiddleware,
	)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	if s.services.SAML != nil {
		r.Handle("/saml/*", s.services.SAML)
	}
	if s.services.SCIM != nil {
		r.Handle("/scim/v2/*", s.services.SCIM)
	}
	if s.services.Admin != nil {
		r.Handle("/api/v1/*", s.services.Admin)
	}
	if s.services.OIDC != nil {
		r.Mount("/", s.services.OIDC)
	}
	return r
}

// ListenAndServe serves the composed handler until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting public server", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// tenantMiddleware resolves the tenant for the request and carries it in
// the context. Requests without a resolvable tenant proceed: platform
// endpoints accept them, tenant-scoped paths reject them downstream.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.resolver.Resolve(r.Context(), r, "", "")
		if err != nil {
			logger.Debugw("tenant resolution failed", "host", r.Host, "error", err)
		}
		if info != nil {
			r = r.WithContext(tenant.WithTenant(r.Context(), info))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Health(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// StoreDirectory adapts the tenant store to the resolver's Directory.
type StoreDirectory struct {
	Store storage.TenantStore
}

// GetTenant implements tenant.Directory.
func (d *StoreDirectory) GetTenant(ctx context.Context, id string) (*tenant.Info, error) {
	rec, err := d.Store.GetTenantRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return recordToInfo(rec), nil
}

// GetTenantByHost implements tenant.Directory.
func (d *StoreDirectory) GetTenantByHost(ctx context.Context, host string) (*tenant.Info, error) {
	rec, err := d.Store.GetTenantRecordByHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return recordToInfo(rec), nil
}

func recordToInfo(rec *storage.TenantRecord) *tenant.Info {
	return &tenant.Info{
		ID:                          rec.ID,
		IssuerURI:                   rec.IssuerURI,
		CustomDomain:                rec.CustomDomain,
		DefaultAccessTokenLifetime:  rec.DefaultAccessTokenLifetime,
		DefaultIDTokenLifetime:      rec.DefaultIDTokenLifetime,
		DefaultRefreshTokenLifetime: rec.DefaultRefreshTokenLifetime,
	}
}
