// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"time"

	"github.com/stacklok/idhive/pkg/storage"
)

// VaultProviderType is the discriminator recorded on vault-held keys.
const VaultProviderType = "vault"

// VaultClient abstracts the external key vault. Implementations wrap the
// deployment's vault SDK.
type VaultClient interface {
	// Store writes private material and returns the vault URI referencing
	// it.
	Store(keyID string, privateDER []byte) (string, error)

	// Fetch reads private material back by its vault URI.
	Fetch(uri string) ([]byte, error)

	// Ping reports whether the vault is reachable.
	Ping() error
}

// VaultProvider generates material locally but holds the private bytes in an
// external vault; stored records carry only the vault URI.
type VaultProvider struct {
	client VaultClient
}

// NewVaultProvider creates a VaultProvider. A nil client yields a provider
// that reports unavailable.
func NewVaultProvider(client VaultClient) *VaultProvider {
	return &VaultProvider{client: client}
}

// Type implements Provider.
func (*VaultProvider) Type() string { return VaultProviderType }

// IsAvailable implements Provider.
func (p *VaultProvider) IsAvailable() bool {
	return p.client != nil && p.client.Ping() == nil
}

// Generate implements Provider.
func (p *VaultProvider) Generate(spec KeySpec) (*storage.SigningKey, *Material, error) {
	if !p.IsAvailable() {
		return nil, nil, fmt.Errorf("vault key provider is unavailable")
	}
	if spec.Algorithm == "" {
		spec.Algorithm = DefaultAlgorithm
	}
	if spec.Use == "" {
		spec.Use = storage.KeyUseSigning
	}
	if spec.Validity <= 0 {
		spec.Validity = DefaultValidity
	}

	material, err := generateMaterial(spec)
	if err != nil {
		return nil, nil, err
	}
	uri, err := p.client.Store(material.KeyID, material.PrivateKeyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store key in vault: %w", err)
	}

	now := time.Now()
	rec := &storage.SigningKey{
		KeyID:        material.KeyID,
		TenantID:     spec.TenantID,
		Use:          spec.Use,
		KeyType:      material.KeyType,
		Algorithm:    material.Algorithm,
		ProviderType: VaultProviderType,
		KeyVaultURI:  uri,
		NotBefore:    now,
		NotAfter:     now.Add(spec.Validity),
		Active:       true,
		CreatedAt:    now,
	}
	if len(material.PublicKeyDER) > 0 {
		rec.PublicKeyData = encodePublicKey(material.PublicKeyDER)
	}
	return rec, material, nil
}

// Unseal implements Provider.
func (p *VaultProvider) Unseal(rec *storage.SigningKey) (*Material, error) {
	if rec.ProviderType != VaultProviderType {
		return nil, fmt.Errorf("key %s belongs to provider %q", rec.KeyID, rec.ProviderType)
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("vault key provider is unavailable")
	}
	der, err := p.client.Fetch(rec.KeyVaultURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key %s from vault: %w", rec.KeyID, err)
	}
	return materialFromDER(rec, der)
}

// Compile-time interface check.
var _ Provider = (*VaultProvider)(nil)
