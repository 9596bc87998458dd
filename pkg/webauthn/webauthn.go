// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package webauthn implements the wire-level pieces of WebAuthn ceremony
// verification: CBOR attestation-object and authenticator-data parsing,
// COSE public key decoding, and assertion signature checks.
package webauthn

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits.
const (
	FlagUserPresent  byte = 0x01
	FlagUserVerified byte = 0x04
	FlagAttestedData byte = 0x40
	FlagExtensions   byte = 0x80
)

// COSE algorithm identifiers accepted for credentials.
const (
	AlgES256 = -7
	AlgRS256 = -257
)

var (
	// ErrVerificationFailed covers every signature or binding failure.
	// Like invalid_grant, it deliberately does not say which check failed.
	ErrVerificationFailed = errors.New("webauthn_verification_failed")

	errTruncated = errors.New("authenticator data truncated")
)

// AuthenticatorData is the parsed authData structure.
type AuthenticatorData struct {
	RPIDHash  [32]byte
	Flags     byte
	SignCount uint32

	// Attested credential data, present only when FlagAttestedData is set.
	AAGUID        []byte
	CredentialID  []byte
	PublicKeyCOSE []byte
}

// UserPresent reports the UP flag.
func (a *AuthenticatorData) UserPresent() bool { return a.Flags&FlagUserPresent != 0 }

// UserVerified reports the UV flag.
func (a *AuthenticatorData) UserVerified() bool { return a.Flags&FlagUserVerified != 0 }

// MatchesRPID reports whether the data was produced for the relying party.
func (a *AuthenticatorData) MatchesRPID(rpID string) bool {
	expected := sha256.Sum256([]byte(rpID))
	return a.RPIDHash == expected
}

// AttestationObject is the decoded registration payload.
type AttestationObject struct {
	Format      string
	AuthData    *AuthenticatorData
	RawAuthData []byte
}

type attestationEnvelope struct {
	Fmt      string          `cbor:"fmt"`
	AuthData []byte          `cbor:"authData"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
}

// ParseAttestationObject decodes the CBOR attestation object produced by
// navigator.credentials.create. The attestation statement itself is not
// validated; credentials are accepted on "none"-level trust.
func ParseAttestationObject(raw []byte) (*AttestationObject, error) {
	var env attestationEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode attestation object: %w", err)
	}
	authData, err := ParseAuthenticatorData(env.AuthData)
	if err != nil {
		return nil, err
	}
	if authData.Flags&FlagAttestedData == 0 || len(authData.CredentialID) == 0 {
		return nil, errors.New("attestation object carries no attested credential data")
	}
	return &AttestationObject{
		Format:      env.Fmt,
		AuthData:    authData,
		RawAuthData: env.AuthData,
	}, nil
}

// ParseAuthenticatorData decodes the binary authData layout:
// rpIdHash(32) || flags(1) || signCount(4) || [attested credential data].
func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < 37 {
		return nil, errTruncated
	}
	out := &AuthenticatorData{
		Flags:     raw[32],
		SignCount: binary.BigEndian.Uint32(raw[33:37]),
	}
	copy(out.RPIDHash[:], raw[:32])

	if out.Flags&FlagAttestedData == 0 {
		return out, nil
	}
	rest := raw[37:]
	if len(rest) < 18 {
		return nil, errTruncated
	}
	out.AAGUID = rest[:16]
	credLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < credLen {
		return nil, errTruncated
	}
	out.CredentialID = rest[:credLen]

	// The COSE key is the next CBOR item; extensions may follow it.
	var key cbor.RawMessage
	if _, err := cbor.UnmarshalFirst(rest[credLen:], &key); err != nil {
		return nil, fmt.Errorf("failed to decode credential public key: %w", err)
	}
	out.PublicKeyCOSE = key
	return out, nil
}

// ClientData is the decoded clientDataJSON.
type ClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// ParseClientData decodes clientDataJSON.
func ParseClientData(raw []byte) (*ClientData, error) {
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("failed to decode client data: %w", err)
	}
	return &cd, nil
}

type coseKeyHeader struct {
	Kty int `cbor:"1,keyasint"`
	Alg int `cbor:"3,keyasint"`
}

type coseEC2Key struct {
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

type coseRSAKey struct {
	N []byte `cbor:"-1,keyasint"`
	E []byte `cbor:"-2,keyasint"`
}

// ParsePublicKey decodes a COSE public key into a crypto.PublicKey and its
// COSE algorithm. ES256 on P-256 and RS256 are supported.
func ParsePublicKey(coseKey []byte) (crypto.PublicKey, int, error) {
	var header coseKeyHeader
	if err := cbor.Unmarshal(coseKey, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to decode COSE key: %w", err)
	}
	switch header.Kty {
	case 2: // EC2
		var k coseEC2Key
		if err := cbor.Unmarshal(coseKey, &k); err != nil {
			return nil, 0, fmt.Errorf("failed to decode EC2 key: %w", err)
		}
		if k.Crv != 1 { // P-256
			return nil, 0, fmt.Errorf("unsupported EC2 curve %d", k.Crv)
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(k.X),
			Y:     new(big.Int).SetBytes(k.Y),
		}
		return pub, AlgES256, nil
	case 3: // RSA
		var k coseRSAKey
		if err := cbor.Unmarshal(coseKey, &k); err != nil {
			return nil, 0, fmt.Errorf("failed to decode RSA key: %w", err)
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(k.N),
			E: int(new(big.Int).SetBytes(k.E).Int64()),
		}
		return pub, AlgRS256, nil
	default:
		return nil, 0, fmt.Errorf("unsupported COSE key type %d", header.Kty)
	}
}

// VerifyAssertionSignature checks the assertion signature over
// authData || SHA-256(clientDataJSON) against the stored credential key.
func VerifyAssertionSignature(publicKeyCOSE, rawAuthData, clientDataJSON, signature []byte) error {
	pub, alg, err := ParsePublicKey(publicKeyCOSE)
	if err != nil {
		return err
	}
	clientHash := sha256.Sum256(clientDataJSON)
	signed := sha256.Sum256(append(bytes.Clone(rawAuthData), clientHash[:]...))

	switch alg {
	case AlgES256:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok || !ecdsa.VerifyASN1(ecPub, signed[:], signature) {
			return ErrVerificationFailed
		}
	case AlgRS256:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok || rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, signed[:], signature) != nil {
			return ErrVerificationFailed
		}
	default:
		return fmt.Errorf("unsupported COSE algorithm %d", alg)
	}
	return nil
}
