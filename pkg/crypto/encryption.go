// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// EncryptionService turns plaintext bytes into a self-contained opaque
// string that the same service can later reverse. Private signing-key
// material passes through this before it is persisted; management of the
// encryption key itself is the deployment's concern.
type EncryptionService interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// ErrDecryptFailed is returned when a ciphertext cannot be reversed, either
// because it is malformed or because the key does not match.
var ErrDecryptFailed = errors.New("key_decrypt_failed")

// AESGCMEncryptionService encrypts with AES-256-GCM. The nonce is generated
// per call and prepended to the ciphertext, so the output is self-contained.
type AESGCMEncryptionService struct {
	aead cipher.AEAD
}

// NewAESGCMEncryptionService creates an encryption service from a 32-byte key.
func NewAESGCMEncryptionService(key []byte) (*AESGCMEncryptionService, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESGCMEncryptionService{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64url(nonce || ciphertext).
func (s *AESGCMEncryptionService) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns ErrDecryptFailed on any failure so the
// caller never learns whether the ciphertext or the key was at fault.
func (s *AESGCMEncryptionService) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(raw) < s.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

var _ EncryptionService = (*AESGCMEncryptionService)(nil)
