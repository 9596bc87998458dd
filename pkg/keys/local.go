// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/storage"
)

// LocalProviderType is the discriminator recorded on locally generated keys.
const LocalProviderType = "local"

// LocalProvider generates key material in-process and seals private bytes
// through the encryption service.
type LocalProvider struct {
	enc idcrypto.EncryptionService
}

// NewLocalProvider creates a LocalProvider backed by enc.
func NewLocalProvider(enc idcrypto.EncryptionService) *LocalProvider {
	return &LocalProvider{enc: enc}
}

// Type implements Provider.
func (*LocalProvider) Type() string { return LocalProviderType }

// IsAvailable implements Provider. The local provider is always available.
func (*LocalProvider) IsAvailable() bool { return true }

// Generate implements Provider.
func (p *LocalProvider) Generate(spec KeySpec) (*storage.SigningKey, *Material, error) {
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

	sealed, err := p.enc.Encrypt(material.PrivateKeyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal private key: %w", err)
	}

	now := time.Now()
	rec := &storage.SigningKey{
		KeyID:                   material.KeyID,
		TenantID:                spec.TenantID,
		Use:                     spec.Use,
		KeyType:                 material.KeyType,
		Algorithm:               material.Algorithm,
		ProviderType:            LocalProviderType,
		EncryptedPrivateKeyData: sealed,
		NotBefore:               now,
		NotAfter:                now.Add(spec.Validity),
		Active:                  true,
		CreatedAt:               now,
	}
	if len(material.PublicKeyDER) > 0 {
		rec.PublicKeyData = encodePublicKey(material.PublicKeyDER)
	}
	return rec, material, nil
}

// Unseal implements Provider.
func (p *LocalProvider) Unseal(rec *storage.SigningKey) (*Material, error) {
	if rec.ProviderType != LocalProviderType {
		return nil, fmt.Errorf("key %s belongs to provider %q", rec.KeyID, rec.ProviderType)
	}
	der, err := p.enc.Decrypt(rec.EncryptedPrivateKeyData)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key %s: %w", rec.KeyID, err)
	}
	return materialFromDER(rec, der)
}

// materialFromDER reconstructs live material from a record and its plaintext
// private DER.
func materialFromDER(rec *storage.SigningKey, der []byte) (*Material, error) {
	material := &Material{
		KeyID:         rec.KeyID,
		KeyType:       rec.KeyType,
		Algorithm:     rec.Algorithm,
		PrivateKeyDER: der,
	}
	switch rec.KeyType {
	case storage.KeyTypeRSA:
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key %s: %w", rec.KeyID, err)
		}
		material.Signer = key
	case storage.KeyTypeEC:
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key %s: %w", rec.KeyID, err)
		}
		material.Signer = key
	case storage.KeyTypeSymmetric:
		material.SymmetricKey = der
	default:
		return nil, fmt.Errorf("unsupported key type %q", rec.KeyType)
	}

	if rec.PublicKeyData != "" {
		pub, err := base64.StdEncoding.DecodeString(rec.PublicKeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key %s: %w", rec.KeyID, err)
		}
		material.PublicKeyDER = pub
	}
	return material, nil
}

// encodePublicKey is the storage encoding of SPKI DER.
func encodePublicKey(der []byte) string {
	return base64.StdEncoding.EncodeToString(der)
}

// generateMaterial creates raw material for the spec: RSA 2048/3072/4096,
// EC P-256/384/521, or symmetric 256/384/512 bits.
func generateMaterial(spec KeySpec) (*Material, error) {
	switch spec.Type {
	case storage.KeyTypeRSA:
		bits, err := rsaBits(spec.Bits)
		if err != nil {
			return nil, err
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return newAsymmetricMaterial(spec, key, x509.MarshalPKCS1PrivateKey(key))

	case storage.KeyTypeEC:
		curve, err := curveForAlgorithm(spec.Algorithm)
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate EC key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode EC key: %w", err)
		}
		return newAsymmetricMaterial(spec, key, der)

	case storage.KeyTypeSymmetric:
		bits, err := symmetricBits(spec.Algorithm, spec.Bits)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, bits/8)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
		}
		kid, err := DeriveKeyID(raw)
		if err != nil {
			return nil, err
		}
		return &Material{
			KeyID:         kid,
			KeyType:       storage.KeyTypeSymmetric,
			Algorithm:     spec.Algorithm,
			SymmetricKey:  raw,
			PrivateKeyDER: raw,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported key type %q", spec.Type)
	}
}

func newAsymmetricMaterial(spec KeySpec, signer crypto.Signer, privateDER []byte) (*Material, error) {
	publicDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	return &Material{
		KeyID:         kid,
		KeyType:       spec.Type,
		Algorithm:     spec.Algorithm,
		Signer:        signer,
		PublicKeyDER:  publicDER,
		PrivateKeyDER: privateDER,
	}, nil
}

func curveForAlgorithm(algorithm string) (elliptic.Curve, error) {
	switch algorithm {
	case "ES256", "":
		return elliptic.P256(), nil
	case "ES384":
		return elliptic.P384(), nil
	case "ES512":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported EC algorithm: %s", algorithm)
	}
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the key, base64url
// without padding. Accepts crypto.Signer or raw symmetric bytes.
func DeriveKeyID(raw any) (string, error) {
	if signer, ok := raw.(crypto.Signer); ok {
		raw = signer.Public()
	}
	key, err := jwk.Import(raw)
	if err != nil {
		return "", fmt.Errorf("failed to build JWK: %w", err)
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Compile-time interface check.
var _ Provider = (*LocalProvider)(nil)
