// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// originCacheTTL bounds how stale the allowed-origin set may get. Client
// mutations through the admin API invalidate the cache immediately; the
// TTL covers writes from other processes.
const originCacheTTL = 5 * time.Minute

// OriginCache caches the union of allowed CORS origins across all
// tenants. CORS runs before tenant resolution, so the set is deliberately
// tenant-unscoped.
type OriginCache struct {
	store storage.ClientStore

	mu        sync.Mutex
	origins   map[string]struct{}
	fetchedAt time.Time
}

// NewOriginCache creates the cache. The first lookup populates it.
func NewOriginCache(store storage.ClientStore) *OriginCache {
	return &OriginCache{store: store}
}

// Allowed reports whether the origin is registered by any client. A
// lookup failure fails closed.
func (c *OriginCache) Allowed(ctx context.Context, origin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.origins == nil || time.Since(c.fetchedAt) > originCacheTTL {
		origins, err := c.store.ListAllCORSOrigins(ctx)
		if err != nil {
			logger.Errorw("failed to refresh CORS origins", "error", err)
			return false
		}
		c.origins = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			c.origins[o] = struct{}{}
		}
		c.fetchedAt = time.Now()
	}

	_, ok := c.origins[origin]
	return ok
}

// Invalidate drops the cached set; the next lookup refetches.
func (c *OriginCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.origins = nil
}

// Middleware applies CORS headers for registered origins and answers
// preflight requests. Unregistered origins get no CORS headers.
func (c *OriginCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Origin")
		if c.Allowed(r.Context(), origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "300")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
