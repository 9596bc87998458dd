// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"sync"
)

// Registry holds the configured key material providers. Provider selection
// happens once at generation time; the provider type recorded on the key
// routes every later operation.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultType string
}

// NewRegistry creates a Registry. The first registered provider becomes the
// default unless SetDefault is called.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering the same type twice replaces the
// earlier provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.defaultType = p.Type()
	}
	r.providers[p.Type()] = p
}

// SetDefault marks the provider type returned by Default.
func (r *Registry) SetDefault(providerType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerType]; !ok {
		return fmt.Errorf("unknown key provider: %s", providerType)
	}
	r.defaultType = providerType
	return nil
}

// Default returns the default provider, which must be available.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.defaultType]
	if !ok {
		return nil, fmt.Errorf("no key providers registered")
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("default key provider %s is unavailable", r.defaultType)
	}
	return p, nil
}

// ForType returns the provider matching a stored key's provider type.
func (r *Registry) ForType(providerType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown key provider: %s", providerType)
	}
	return p, nil
}

// Available enumerates the providers currently able to serve requests.
func (r *Registry) Available() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.providers {
		if p.IsAvailable() {
			out = append(out, p)
		}
	}
	return out
}
