// Package crypto provides symmetric authenticated encryption for opaque
// payloads. A single AES-256-GCM key is supplied at construction and used for
// the engine's lifetime; key rotation and distribution live outside this
// module.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// ErrEncryption covers every cipher failure: malformed inputs, wrong key,
// and tag mismatch. Tampering is not distinguishable from a key mismatch, so
// callers get one error class.
var ErrEncryption = errors.New("encryption error")

// aadLabel binds every ciphertext to this engine so blobs sealed elsewhere
// never authenticate here.
const aadLabel = "security-engine.v1"

const tagSize = 16

type Service struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewService builds a Service around a 32-byte key. rand supplies IVs; pass
// crypto/rand.Reader in production.
func NewService(key []byte, rand io.Reader) (*Service, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrEncryption, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return &Service{aead: aead, rand: rand}, nil
}

// Encrypt seals plaintext under a fresh random IV and returns the ciphertext,
// the IV, and the authentication tag as separate values.
func (s *Service) Encrypt(plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	iv = make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv generation: %v", ErrEncryption, err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, []byte(aadLabel))
	split := len(sealed) - tagSize
	return sealed[:split], iv, sealed[split:], nil
}

// Decrypt opens a (ciphertext, iv, tag) triple produced by Encrypt. A flipped
// bit anywhere in the triple fails authentication.
func (s *Service) Decrypt(ciphertext, iv, tag []byte) ([]byte, error) {
	if len(iv) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid iv length %d", ErrEncryption, len(iv))
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: invalid tag length %d", ErrEncryption, len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, iv, sealed, []byte(aadLabel))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return plaintext, nil
}
