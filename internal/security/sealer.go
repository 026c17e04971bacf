// Package security seals sensitive blobs (ID card photos, payment proofs) at rest
// using AES-GCM.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// sealedPrefix marks blobs produced by Seal so plaintext written before a key
// was configured can still be read.
var sealedPrefix = []byte("EPS1")

// ErrSealedWithoutKey is returned when a sealed blob is read without a key.
var ErrSealedWithoutKey = errors.New("blob is sealed but no encryption key is configured")

// Sealer encrypts and decrypts blobs.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(blob []byte) ([]byte, error)
}

// AESSealer implements Sealer using AES-GCM with a random nonce prepended to
// the ciphertext.
type AESSealer struct {
	gcm cipher.AEAD
}

var _ Sealer = (*AESSealer)(nil)

// NewAESSealer creates a sealer from a 16 or 32 byte key.
func NewAESSealer(key []byte) (*AESSealer, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, errors.New("encryption key must be 16 or 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("could not create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not create GCM: %w", err)
	}
	slog.Debug("NewAESSealer: image sealing enabled", "keyBits", len(key)*8)
	return &AESSealer{gcm: gcm}, nil
}

// NewAESSealerFromBase64 decodes a base64 key and creates a sealer.
func NewAESSealerFromBase64(encoded string) (*AESSealer, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewAESSealer(key)
}

// Seal encrypts plaintext. Empty input is returned unchanged.
func (s *AESSealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return plaintext, nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}
	out := make([]byte, 0, len(sealedPrefix)+len(nonce)+len(plaintext)+s.gcm.Overhead())
	out = append(out, sealedPrefix...)
	out = append(out, nonce...)
	return s.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Unsealed blobs are returned unchanged.
func (s *AESSealer) Open(blob []byte) ([]byte, error) {
	if !IsSealed(blob) {
		return blob, nil
	}
	body := blob[len(sealedPrefix):]
	nonceSize := s.gcm.NonceSize()
	if len(body) < nonceSize {
		return nil, errors.New("ciphertext is too short")
	}
	nonce, ciphertext := body[:nonceSize], body[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		slog.Warn("AESSealer.Open: failed to decrypt blob", "error", err)
		return nil, fmt.Errorf("could not decrypt: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether blob carries the sealed marker.
func IsSealed(blob []byte) bool {
	return bytes.HasPrefix(blob, sealedPrefix)
}

// NopSealer stores blobs as they are. Reading a sealed blob fails.
type NopSealer struct{}

var _ Sealer = NopSealer{}

func (NopSealer) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (NopSealer) Open(blob []byte) ([]byte, error) {
	if IsSealed(blob) {
		return nil, ErrSealedWithoutKey
	}
	return blob, nil
}
