package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	AlgorithmAES256GCM        = "AES256-GCM"
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// DefaultAlgorithm is used for keys created without an explicit algorithm
	// and for keys stored before the algorithm column existed.
	DefaultAlgorithm = AlgorithmAES256GCM

	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// suites maps an algorithm name to its AEAD constructor. Both constructors
// take a KeySize key and produce NonceSize nonces and TagSize tags.
var suites = map[string]func(key []byte) (cipher.AEAD, error){
	AlgorithmAES256GCM: func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCMWithNonceSize(block, NonceSize)
	},
	AlgorithmChaCha20Poly1305: chacha20poly1305.New,
}

// Algorithms lists the supported algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(suites))
	for name := range suites {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Supported reports whether keys may be created for alg.
func Supported(alg string) bool {
	_, ok := suites[alg]
	return ok
}

// newAEAD builds the cipher for a stored key. An empty algorithm means
// DefaultAlgorithm.
func newAEAD(alg string, key []byte) (cipher.AEAD, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	build, ok := suites[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s needs a %d byte key, got %d", alg, KeySize, len(key))
	}
	aead, err := build(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", alg, err)
	}
	return aead, nil
}
