// Package secret stores encrypted secret values scoped to pipelines,
// agents, and deploys. Ciphertext is opaque to the rest of the control
// plane; only metadata is queryable via the API.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Envelope encrypts and decrypts secret values with AES-256-GCM under the
// deployment master key.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an envelope from a 32-byte hex master key.
func NewEnvelope(masterKeyHex string) (*Envelope, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts a plaintext value. The nonce is prepended to the ciphertext.
func (e *Envelope) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a ciphertext produced by Seal.
func (e *Envelope) Open(ciphertext []byte) (string, error) {
	ns := e.aead.NonceSize()
	if len(ciphertext) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting secret: %w", err)
	}
	return string(plaintext), nil
}
