// Package crypto seals cluster credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// sealVersion prefixes every sealed value so the format can change later.
const sealVersion byte = 1

var (
	ErrKeySize    = errors.New("aes key must be 32 bytes (AES-256)")
	ErrCiphertext = errors.New("invalid ciphertext")
)

// Sealer encrypts kubeconfigs with AES-256-GCM. Each value is bound to a
// scope, the owning cluster's name, so a sealed credential copied onto
// another cluster row fails to open.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(scope string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, additionalData(scope)), nil
}

// Open reverses Seal for the same scope.
func (s *Sealer) Open(scope string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < 1+ns+s.aead.Overhead() {
		return nil, ErrCiphertext
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCiphertext, sealed[0])
	}
	nonce, data := sealed[1:1+ns], sealed[1+ns:]
	plain, err := s.aead.Open(nil, nonce, data, additionalData(scope))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plain, nil
}

func additionalData(scope string) []byte {
	return []byte("cluster:" + scope)
}
