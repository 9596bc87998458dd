// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	byID   map[string]*Info
	byHost map[string]*Info
}

func (d *fakeDirectory) GetTenant(_ context.Context, id string) (*Info, error) {
	if info, ok := d.byID[id]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("tenant %s not found", id)
}

func (d *fakeDirectory) GetTenantByHost(_ context.Context, host string) (*Info, error) {
	if info, ok := d.byHost[host]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("no tenant for host %s", host)
}

type fakeClientLookup map[string]string

func (l fakeClientLookup) TenantForClient(_ context.Context, clientID string) (string, error) {
	return l[clientID], nil
}

func newTestResolver() *Resolver {
	dir := &fakeDirectory{
		byID: map[string]*Info{
			"acme":  {ID: "acme", IssuerURI: "https://id.acme.example/"},
			"globe": {ID: "globe", CustomDomain: "login.globe.example"},
		},
		byHost: map[string]*Info{
			"id.acme.example": {ID: "acme", IssuerURI: "https://id.acme.example"},
		},
	}
	return NewResolver(dir, fakeClientLookup{"acme-app": "acme"}, "https://platform.example/")
}

func TestResolveOrder(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	ctx := context.Background()

	t.Run("header wins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://id.acme.example/connect/token", nil)
		req.Header.Set(HeaderTenantID, "globe")
		info, err := r.Resolve(ctx, req, "acme", "acme-app")
		require.NoError(t, err)
		assert.Equal(t, "globe", info.ID)
	})

	t.Run("token claim before client binding", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://other.example/", nil)
		info, err := r.Resolve(ctx, req, "acme", "acme-app")
		require.NoError(t, err)
		assert.Equal(t, "acme", info.ID)
	})

	t.Run("client binding before host", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://other.example/", nil)
		info, err := r.Resolve(ctx, req, "", "acme-app")
		require.NoError(t, err)
		assert.Equal(t, "acme", info.ID)
	})

	t.Run("host mapping", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://id.acme.example:8443/", nil)
		req.Host = "id.acme.example:8443"
		info, err := r.Resolve(ctx, req, "", "")
		require.NoError(t, err)
		assert.Equal(t, "acme", info.ID)
	})

	t.Run("unresolved is nil, not error", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://unknown.example/", nil)
		info, err := r.Resolve(ctx, req, "", "")
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}

func TestIssuerResolution(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	req := httptest.NewRequest("GET", "http://fallback.example/authorize", nil)

	assert.Equal(t, "https://id.acme.example",
		r.Issuer(&Info{ID: "acme", IssuerURI: "https://id.acme.example/"}, req),
		"tenant issuer trimmed of trailing slash")

	assert.Equal(t, "https://login.globe.example",
		r.Issuer(&Info{ID: "globe", CustomDomain: "login.globe.example"}, req),
		"custom domain when no issuer URI")

	assert.Equal(t, "https://platform.example", r.Issuer(nil, req),
		"platform issuer for platform scope")

	bare := NewResolver(&fakeDirectory{}, nil, "")
	assert.Equal(t, "http://fallback.example", bare.Issuer(nil, req),
		"request host as last resort")
}

func TestRequire(t *testing.T) {
	t.Parallel()

	_, err := Require(context.Background())
	assert.ErrorIs(t, err, ErrNoTenant)

	ctx := WithTenant(context.Background(), &Info{ID: "acme"})
	info, err := Require(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme", info.ID)
	assert.Equal(t, "acme", IDFromContext(ctx))
}
