// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tenant resolves the tenant and issuer for each request.
//
// Every persisted entity except platform-level keys carries an optional
// tenant ID; an empty tenant means platform-global. The resolved tenant is
// carried in the request context and consulted by every store access.
package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// HeaderTenantID is the request header carrying an explicit tenant selection.
const HeaderTenantID = "X-Tenant-Id"

// ErrNoTenant is returned when a tenant-scoped operation runs without a
// resolved tenant in the context.
var ErrNoTenant = errors.New("no tenant resolved")

type contextKey int

const tenantKey contextKey = iota

// Info describes a resolved tenant.
type Info struct {
	// ID is the tenant identifier. Empty means platform-global.
	ID string

	// IssuerURI is the issuer for tokens minted under this tenant,
	// without a trailing slash.
	IssuerURI string

	// CustomDomain is the tenant's custom domain, if configured.
	CustomDomain string

	// DefaultAccessTokenLifetime overrides the platform default when > 0
	// (seconds). Same for the ID and refresh token lifetimes below.
	DefaultAccessTokenLifetime  int
	DefaultIDTokenLifetime      int
	DefaultRefreshTokenLifetime int
}

// WithTenant returns a context carrying the resolved tenant.
func WithTenant(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, tenantKey, info)
}

// FromContext returns the tenant resolved for this request, or nil if the
// request is platform-scoped (discovery, JWKS, CORS preflight).
func FromContext(ctx context.Context) *Info {
	info, _ := ctx.Value(tenantKey).(*Info)
	return info
}

// IDFromContext returns the tenant ID, or "" for platform scope.
func IDFromContext(ctx context.Context) string {
	if info := FromContext(ctx); info != nil {
		return info.ID
	}
	return ""
}

// Require returns the tenant from the context or ErrNoTenant. Tenant-scoped
// data paths use this to reject unresolved requests.
func Require(ctx context.Context) (*Info, error) {
	info := FromContext(ctx)
	if info == nil || info.ID == "" {
		return nil, ErrNoTenant
	}
	return info, nil
}

// Directory looks up tenants by the various resolution inputs.
type Directory interface {
	// GetTenant returns the tenant by ID.
	GetTenant(ctx context.Context, id string) (*Info, error)

	// GetTenantByHost returns the tenant mapped to a request host, if any.
	GetTenantByHost(ctx context.Context, host string) (*Info, error)
}

// ClientTenantLookup reports the tenant a client is bound to, if any.
type ClientTenantLookup interface {
	TenantForClient(ctx context.Context, clientID string) (string, error)
}

// Resolver resolves the tenant for incoming requests.
//
// Resolution order: explicit X-Tenant-Id header, tenant_id claim in the
// bearer token, the client's bound tenant, then host-based mapping. A request
// without a resolved tenant may still reach platform endpoints but is
// rejected from tenant-scoped data by Require.
type Resolver struct {
	directory Directory
	clients   ClientTenantLookup

	// PlatformIssuer is the platform-configured issuer, used when the
	// tenant has no issuer of its own.
	PlatformIssuer string
}

// NewResolver creates a Resolver backed by the given directory.
func NewResolver(directory Directory, clients ClientTenantLookup, platformIssuer string) *Resolver {
	return &Resolver{
		directory:      directory,
		clients:        clients,
		PlatformIssuer: strings.TrimSuffix(platformIssuer, "/"),
	}
}

// Resolve determines the tenant for a request. tokenTenantID is the tenant_id
// claim extracted from a validated bearer token, clientID the authenticated
// or asserted OAuth client. Either may be empty. Returns nil (not an error)
// when no input resolves a tenant.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request, tokenTenantID, clientID string) (*Info, error) {
	if id := req.Header.Get(HeaderTenantID); id != "" {
		return r.directory.GetTenant(ctx, id)
	}

	if tokenTenantID != "" {
		return r.directory.GetTenant(ctx, tokenTenantID)
	}

	if clientID != "" && r.clients != nil {
		id, err := r.clients.TenantForClient(ctx, clientID)
		if err == nil && id != "" {
			return r.directory.GetTenant(ctx, id)
		}
	}

	host := req.Host
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	info, err := r.directory.GetTenantByHost(ctx, host)
	if err != nil {
		// Host-based mapping is best-effort; an unmapped host is not an error.
		return nil, nil
	}
	return info, nil
}

// Issuer resolves the issuer URI for a tenant and request.
//
// Order: tenant token settings, tenant custom domain, platform-configured
// issuer, request scheme+host. The result never has a trailing slash and
// appears verbatim in minted tokens and the discovery document.
func (r *Resolver) Issuer(info *Info, req *http.Request) string {
	if info != nil {
		if info.IssuerURI != "" {
			return strings.TrimSuffix(info.IssuerURI, "/")
		}
		if info.CustomDomain != "" {
			return "https://" + strings.TrimSuffix(info.CustomDomain, "/")
		}
	}
	if r.PlatformIssuer != "" {
		return r.PlatformIssuer
	}
	scheme := "https"
	if req.TLS == nil {
		scheme = "http"
	}
	return strings.TrimSuffix(scheme+"://"+req.Host, "/")
}
