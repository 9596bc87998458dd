// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SKI and x5t are defined over SHA-1
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/storage"
)

// Key usage flags requestable on a certificate. Values mirror
// x509.KeyUsage so they can be combined and persisted as an int.
const (
	UsageDigitalSignature = int(x509.KeyUsageDigitalSignature)
	UsageNonRepudiation   = int(x509.KeyUsageContentCommitment)
	UsageKeyEncipherment  = int(x509.KeyUsageKeyEncipherment)
	UsageDataEncipherment = int(x509.KeyUsageDataEncipherment)
)

// CertificateRequest describes the self-signed certificate to issue.
type CertificateRequest struct {
	SubjectCN    string
	Organization string

	// SubjectAltNames accepts DNS names and IP addresses; each entry is
	// classified by parseability as an IP.
	SubjectAltNames []string

	// KeyUsage combines the Usage* flags. Zero defaults to
	// DigitalSignature.
	KeyUsage int

	// Validity bounds NotBefore..NotAfter; zero follows the key's window.
	Validity time.Duration
}

// IssueCertificate creates a self-signed X.509 v3 certificate for the key
// material, SHA-256 signed, with Key Usage critical and a Subject Key
// Identifier. Returns the DER plus persistable metadata.
func IssueCertificate(material *Material, req CertificateRequest) ([]byte, *storage.Certificate, error) {
	if material.Signer == nil {
		return nil, nil, fmt.Errorf("certificate issuance requires an asymmetric key")
	}
	if req.SubjectCN == "" {
		return nil, nil, fmt.Errorf("certificate subject CN is required")
	}
	usage := x509.KeyUsage(req.KeyUsage)
	if usage == 0 {
		usage = x509.KeyUsageDigitalSignature
	}
	validity := req.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	ski, err := subjectKeyID(material.PublicKeyDER)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	subject := pkix.Name{CommonName: req.SubjectCN}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		// CreateCertificate marks the KeyUsage extension critical.
		KeyUsage:           usage,
		SignatureAlgorithm: signatureAlgorithm(material),
		SubjectKeyId:       ski,
	}
	for _, san := range req.SubjectAltNames {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, material.Signer.Public(), material.Signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}

	meta := &storage.Certificate{
		KeyID:            material.KeyID,
		SubjectDN:        parsed.Subject.String(),
		IssuerDN:         parsed.Issuer.String(),
		SerialNumber:     parsed.SerialNumber.String(),
		ThumbprintSHA1:   idcrypto.SHA1ThumbprintHex(der),
		ThumbprintSHA256: idcrypto.SHA256ThumbprintB64(der),
		SubjectAltNames:  req.SubjectAltNames,
		KeyUsageFlags:    int(usage),
		CertificateData:  base64.StdEncoding.EncodeToString(der),
		NotBefore:        parsed.NotBefore,
		NotAfter:         parsed.NotAfter,
		CreatedAt:        now,
	}
	return der, meta, nil
}

// subjectKeyID computes the SKI as the SHA-1 of the SPKI subjectPublicKey
// bit string (RFC 5280 method 1).
func subjectKeyID(spkiDER []byte) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse public key for SKI: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes) //nolint:gosec // SKI is SHA-1 by definition
	return sum[:], nil
}

func signatureAlgorithm(material *Material) x509.SignatureAlgorithm {
	if material.KeyType == storage.KeyTypeEC {
		return x509.ECDSAWithSHA256
	}
	return x509.SHA256WithRSA
}
