// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/storage"
)

func newLocalProvider(t *testing.T) *LocalProvider {
	t.Helper()
	enc, err := idcrypto.NewAESGCMEncryptionService(make([]byte, 32))
	require.NoError(t, err)
	return NewLocalProvider(enc)
}

func TestLocalProvider_GenerateAndUnseal(t *testing.T) {
	t.Parallel()
	p := newLocalProvider(t)

	tests := []struct {
		name string
		spec KeySpec
	}{
		{"RSA 2048 RS256", KeySpec{Type: storage.KeyTypeRSA, Algorithm: "RS256", Bits: 2048}},
		{"RSA 3072 RS384", KeySpec{Type: storage.KeyTypeRSA, Algorithm: "RS384", Bits: 3072}},
		{"EC P-256 ES256", KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES256"}},
		{"EC P-521 ES512", KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES512"}},
		{"symmetric HS256", KeySpec{Type: storage.KeyTypeSymmetric, Algorithm: "HS256"}},
		{"symmetric HS512", KeySpec{Type: storage.KeyTypeSymmetric, Algorithm: "HS512"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec := tt.spec
			spec.TenantID = "acme"

			rec, material, err := p.Generate(spec)
			require.NoError(t, err)
			assert.NotEmpty(t, rec.KeyID)
			assert.Equal(t, material.KeyID, rec.KeyID)
			assert.Equal(t, "acme", rec.TenantID)
			assert.Equal(t, LocalProviderType, rec.ProviderType)
			assert.True(t, rec.Active)
			assert.NotEmpty(t, rec.EncryptedPrivateKeyData)
			assert.Empty(t, rec.KeyVaultURI)

			recovered, err := p.Unseal(rec)
			require.NoError(t, err)
			assert.Equal(t, material.PrivateKeyDER, recovered.PrivateKeyDER)

			switch spec.Type {
			case storage.KeyTypeRSA:
				key, ok := recovered.Signer.(*rsa.PrivateKey)
				require.True(t, ok)
				assert.Equal(t, spec.Bits, key.N.BitLen())
			case storage.KeyTypeEC:
				_, ok := recovered.Signer.(*ecdsa.PrivateKey)
				require.True(t, ok)
			case storage.KeyTypeSymmetric:
				assert.NotEmpty(t, recovered.SymmetricKey)
				assert.Empty(t, rec.PublicKeyData)
			}
		})
	}
}

func TestLocalProvider_RejectsBadSizes(t *testing.T) {
	t.Parallel()
	p := newLocalProvider(t)

	_, _, err := p.Generate(KeySpec{Type: storage.KeyTypeRSA, Algorithm: "RS256", Bits: 1024})
	assert.ErrorContains(t, err, "unsupported RSA key size")

	_, _, err = p.Generate(KeySpec{Type: storage.KeyTypeSymmetric, Algorithm: "HS256", Bits: 128})
	assert.ErrorContains(t, err, "unsupported symmetric key size")

	_, _, err = p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "RS256"})
	assert.ErrorContains(t, err, "unsupported EC algorithm")
}

func TestLocalProvider_UnsealWrongProvider(t *testing.T) {
	t.Parallel()
	p := newLocalProvider(t)

	_, err := p.Unseal(&storage.SigningKey{KeyID: "k", ProviderType: VaultProviderType})
	assert.ErrorContains(t, err, "belongs to provider")
}

type fakeVault struct {
	data map[string][]byte
	down bool
}

func (f *fakeVault) Store(keyID string, der []byte) (string, error) {
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	uri := "vault://keys/" + keyID
	f.data[uri] = der
	return uri, nil
}

func (f *fakeVault) Fetch(uri string) ([]byte, error) {
	der, ok := f.data[uri]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", uri)
	}
	return der, nil
}

func (f *fakeVault) Ping() error {
	if f.down {
		return fmt.Errorf("vault unreachable")
	}
	return nil
}

func TestVaultProvider(t *testing.T) {
	t.Parallel()

	t.Run("round trip through vault", func(t *testing.T) {
		t.Parallel()
		p := NewVaultProvider(&fakeVault{})

		rec, material, err := p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES256"})
		require.NoError(t, err)
		assert.Equal(t, VaultProviderType, rec.ProviderType)
		assert.NotEmpty(t, rec.KeyVaultURI)
		assert.Empty(t, rec.EncryptedPrivateKeyData)

		recovered, err := p.Unseal(rec)
		require.NoError(t, err)
		assert.Equal(t, material.PrivateKeyDER, recovered.PrivateKeyDER)
	})

	t.Run("unavailable without a client", func(t *testing.T) {
		t.Parallel()
		p := NewVaultProvider(nil)
		assert.False(t, p.IsAvailable())
		_, _, err := p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES256"})
		assert.ErrorContains(t, err, "unavailable")
	})
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	local := newLocalProvider(t)
	vault := NewVaultProvider(&fakeVault{down: true})

	r := NewRegistry()
	r.Register(local)
	r.Register(vault)

	t.Run("first registered is default", func(t *testing.T) {
		p, err := r.Default()
		require.NoError(t, err)
		assert.Equal(t, LocalProviderType, p.Type())
	})

	t.Run("unavailable default is an error", func(t *testing.T) {
		require.NoError(t, r.SetDefault(VaultProviderType))
		_, err := r.Default()
		assert.ErrorContains(t, err, "unavailable")
		require.NoError(t, r.SetDefault(LocalProviderType))
	})

	t.Run("available excludes the down vault", func(t *testing.T) {
		available := r.Available()
		require.Len(t, available, 1)
		assert.Equal(t, LocalProviderType, available[0].Type())
	})

	t.Run("routing by stored provider type", func(t *testing.T) {
		p, err := r.ForType(VaultProviderType)
		require.NoError(t, err)
		assert.Equal(t, VaultProviderType, p.Type())

		_, err = r.ForType("hsm")
		assert.ErrorContains(t, err, "unknown key provider")
	})
}

func TestIssueCertificate(t *testing.T) {
	t.Parallel()
	p := newLocalProvider(t)
	_, material, err := p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES256"})
	require.NoError(t, err)

	der, meta, err := IssueCertificate(material, CertificateRequest{
		SubjectCN:       "login.acme.example.com",
		Organization:    "Acme",
		SubjectAltNames: []string{"login.acme.example.com", "10.0.0.5"},
		KeyUsage:        UsageDigitalSignature | UsageKeyEncipherment,
		Validity:        90 * 24 * time.Hour,
	})
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	assert.Equal(t, "login.acme.example.com", cert.Subject.CommonName)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.NotEmpty(t, cert.SubjectKeyId)
	assert.Contains(t, cert.DNSNames, "login.acme.example.com")
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.5", cert.IPAddresses[0].String())

	// Key usage must be a critical extension.
	foundCriticalKU := false
	for _, ext := range cert.Extensions {
		if ext.Id.String() == "2.5.29.15" {
			foundCriticalKU = ext.Critical
		}
	}
	assert.True(t, foundCriticalKU, "key usage extension must be critical")

	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{40}$`), meta.ThumbprintSHA1)
	assert.NotContains(t, meta.ThumbprintSHA256, "=")
	assert.Equal(t, material.KeyID, meta.KeyID)
	assert.Equal(t, cert.SerialNumber.String(), meta.SerialNumber)

	t.Run("symmetric key refused", func(t *testing.T) {
		_, sym, err := p.Generate(KeySpec{Type: storage.KeyTypeSymmetric, Algorithm: "HS256"})
		require.NoError(t, err)
		_, _, err = IssueCertificate(sym, CertificateRequest{SubjectCN: "x"})
		assert.ErrorContains(t, err, "asymmetric")
	})
}

func TestBuildJWKS(t *testing.T) {
	t.Parallel()
	p := newLocalProvider(t)
	now := time.Now()

	active, _, err := p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES256"})
	require.NoError(t, err)

	graceful, _, err := p.Generate(KeySpec{Type: storage.KeyTypeRSA, Algorithm: "RS256"})
	require.NoError(t, err)
	graceful.Active = false
	graceful.NotAfter = now.Add(-time.Hour) // inside the 24h grace window

	retired, _, err := p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES384"})
	require.NoError(t, err)
	retired.Active = false
	retired.NotAfter = now.Add(-48 * time.Hour)

	symmetric, _, err := p.Generate(KeySpec{Type: storage.KeyTypeSymmetric, Algorithm: "HS256"})
	require.NoError(t, err)

	set, err := BuildJWKS([]*storage.SigningKey{active, graceful, retired, symmetric}, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	key, ok := set.LookupKeyID(active.KeyID)
	require.True(t, ok)
	var use string
	require.NoError(t, key.Get("use", &use))
	assert.Equal(t, "sig", use)

	_, ok = set.LookupKeyID(retired.KeyID)
	assert.False(t, ok)
	_, ok = set.LookupKeyID(symmetric.KeyID)
	assert.False(t, ok)
}

func TestDeriveKeyID_Stable(t *testing.T) {
	t.Parallel()
	p := newLocalProvider(t)
	_, material, err := p.Generate(KeySpec{Type: storage.KeyTypeEC, Algorithm: "ES256"})
	require.NoError(t, err)

	again, err := DeriveKeyID(material.Signer)
	require.NoError(t, err)
	assert.Equal(t, material.KeyID, again)

	decoded, err := base64.RawURLEncoding.DecodeString(again)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}
