// Package crypto provides the stateless AEAD primitives used for image
// encryption: detached-tag encrypt/decrypt and key material generation.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/kenneth/image-keyring/internal/errs"
)

// Encrypt seals plaintext under key with a freshly drawn random nonce.
//
// The returned ciphertext has the same length as plaintext; the 16-byte tag is
// returned separately so it can be stored alongside the image metadata.
func Encrypt(algorithm string, key, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err = generateNonce()
	if err != nil {
		return nil, nil, nil, err
	}

	sealed := aead.Seal(make([]byte, 0, len(plaintext)+TagSize), nonce, plaintext, nil)
	split := len(sealed) - TagSize
	ciphertext = sealed[:split:split]
	tag = append([]byte(nil), sealed[split:]...)

	return ciphertext, nonce, tag, nil
}

// Decrypt opens ciphertext with the detached tag. Any size mismatch or
// verification failure yields errs.ErrAuthenticationFailure and no plaintext.
func Decrypt(algorithm string, key, ciphertext, nonce, tag []byte) ([]byte, error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, fmt.Errorf("invalid nonce or tag size: %w", errs.ErrAuthenticationFailure)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(sealed[:0], nonce, sealed, nil)
	if err != nil {
		Zero(sealed[:cap(sealed)])
		return nil, errs.ErrAuthenticationFailure
	}

	return plaintext, nil
}

// GenerateKeyMaterial returns KeySize bytes from the system CSPRNG.
func GenerateKeyMaterial() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return key, nil
}

// generateNonce draws a new nonce for every call; nonces are never derived or reused.
func generateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Zero overwrites a byte slice with zeros for secure memory cleanup.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
