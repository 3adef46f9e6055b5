// Package secrets provides symmetric encryption for credentials at rest.
// Tenant settings documents store passwords, private keys, and API keys
// as Encryptor ciphertext; plaintext exists only in process memory.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/callscribe/callscribe/internal/apperr"
)

// Encryptor performs AES-256-GCM encryption with a 96-bit random nonce
// and a 128-bit authentication tag. Ciphertexts are base64-encoded
// nonce||ciphertext||tag.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt encrypts a plaintext string. Empty input passes through empty
// so unset credential fields stay unset.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt and authenticates the ciphertext. Tampered or
// foreign input fails with a data error.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", apperr.Data("secrets.Decrypt", "ciphertext is not base64", err)
	}

	if len(raw) < e.aead.NonceSize() {
		return "", apperr.Data("secrets.Decrypt", "ciphertext too short", nil)
	}

	nonce, sealed := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperr.Data("secrets.Decrypt", "authentication failed", err)
	}

	return string(plaintext), nil
}
