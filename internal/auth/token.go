package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TokenPrefix marks raw API tokens so they are recognizable in headers and
// never confused with session cookies.
const TokenPrefix = "loom_"

// GenerateAPIToken returns a raw API token and the SHA-256 hash stored in
// the database. The raw value is shown to the caller exactly once.
func GenerateAPIToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	raw = TokenPrefix + hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// GenerateSessionToken returns a raw session cookie value and its hash.
func GenerateSessionToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating session token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
