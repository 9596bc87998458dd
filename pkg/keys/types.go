// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key material management: generation across
// the supported key families, sealing private material through the
// encryption service, self-signed certificate issuance, and JWKS assembly.
package keys

import (
	"crypto"
	"fmt"
	"time"

	"github.com/stacklok/idhive/pkg/storage"
)

// DefaultAlgorithm is the signing algorithm used when none is requested.
// ES256 provides equivalent security to RSA-3072 with smaller keys and
// faster operations.
const DefaultAlgorithm = "ES256"

// DefaultValidity is the key validity window applied when a spec leaves it
// zero.
const DefaultValidity = 365 * 24 * time.Hour

// KeySpec describes the key to generate.
type KeySpec struct {
	TenantID string
	Use      storage.KeyUse
	Type     storage.KeyType

	// Algorithm is the JWS algorithm the key will serve (RS256..RS512,
	// ES256..ES512, HS256..HS512).
	Algorithm string

	// Bits applies to RSA (2048/3072/4096) and symmetric (256/384/512)
	// keys. Zero picks the default for the algorithm.
	Bits int

	// Validity bounds NotBefore..NotAfter; zero means DefaultValidity.
	Validity time.Duration
}

// Material is live key material. Private members never leave the process
// unsealed and must not be logged.
type Material struct {
	// KeyID is the RFC 7638 thumbprint of the key.
	KeyID string

	KeyType   storage.KeyType
	Algorithm string

	// Signer is set for asymmetric keys.
	Signer crypto.Signer

	// SymmetricKey holds the raw bytes for HS* keys.
	SymmetricKey []byte

	// PublicKeyDER is the SPKI encoding, empty for symmetric keys.
	PublicKeyDER []byte

	// PrivateKeyDER is PKCS#1 (RSA), SEC1 (EC), or the raw symmetric
	// bytes.
	PrivateKeyDER []byte
}

// Provider generates and recovers key material. Stored keys record the
// provider type that created them; later operations route back to it.
type Provider interface {
	// Type is the provider discriminator persisted on generated keys.
	Type() string

	// IsAvailable reports whether the provider can serve requests.
	IsAvailable() bool

	// Generate creates key material per the spec and returns the
	// persistable record (private material sealed) together with the live
	// material for immediate use.
	Generate(spec KeySpec) (*storage.SigningKey, *Material, error)

	// Unseal recovers live material from a stored record.
	Unseal(rec *storage.SigningKey) (*Material, error)
}

// rsaBits validates or defaults the RSA modulus size.
func rsaBits(bits int) (int, error) {
	switch bits {
	case 0:
		return 2048, nil
	case 2048, 3072, 4096:
		return bits, nil
	default:
		return 0, fmt.Errorf("unsupported RSA key size: %d", bits)
	}
}

// symmetricBits validates or derives the symmetric key size from the
// algorithm.
func symmetricBits(algorithm string, bits int) (int, error) {
	if bits == 0 {
		switch algorithm {
		case "HS256":
			bits = 256
		case "HS384":
			bits = 384
		case "HS512":
			bits = 512
		default:
			bits = 256
		}
	}
	switch bits {
	case 256, 384, 512:
		return bits, nil
	default:
		return 0, fmt.Errorf("unsupported symmetric key size: %d", bits)
	}
}
