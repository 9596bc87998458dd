// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 thumbprints are mandated for X.509 x5t metadata, not used for integrity
	"crypto/sha256"
	_ "crypto/sha512" // register SHA-384/SHA-512 for crypto.Hash.New
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashForAlgorithm returns the hash matching a JWS signing algorithm's
// suffix: SHA-256 for *256, SHA-384 for *384, SHA-512 for *512. This is the
// hash used for at_hash/c_hash per OIDC Core Section 3.1.3.6.
func HashForAlgorithm(alg string) (crypto.Hash, error) {
	switch {
	case strings.HasSuffix(alg, "256"):
		return crypto.SHA256, nil
	case strings.HasSuffix(alg, "384"):
		return crypto.SHA384, nil
	case strings.HasSuffix(alg, "512"):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("no hash defined for algorithm %q", alg)
	}
}

// LeftHalfHash computes the OIDC token hash: the left-most half of the hash
// of the ASCII token, base64url encoded without padding. Used for at_hash
// (access token) and c_hash (authorization code) claims.
func LeftHalfHash(alg, token string) (string, error) {
	hash, err := HashForAlgorithm(alg)
	if err != nil {
		return "", err
	}
	h := hash.New()
	h.Write([]byte(token))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// SHA1ThumbprintHex returns the SHA-1 thumbprint of DER-encoded certificate
// bytes as uppercase hex, the conventional display form for x5t.
func SHA1ThumbprintHex(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec // certificate thumbprint, not integrity protection
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// SHA256ThumbprintB64 returns the SHA-256 thumbprint of DER-encoded
// certificate bytes as base64url without padding (x5t#S256 form).
func SHA256ThumbprintB64(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RandomHandle returns a base64url-encoded opaque handle built from n random
// bytes. Callers use at least 32 bytes for grant handles.
func RandomHandle(n int) (string, error) {
	if n < 32 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
