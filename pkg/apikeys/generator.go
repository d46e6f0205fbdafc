package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// KeyPrefix identifies gridguard API keys
	KeyPrefix = "gg_"
	// KeyLength is the number of random bytes in a key (256 bits)
	KeyLength = 32
	// displayChars is how much of the encoded secret the stored prefix keeps
	displayChars = 8
)

// Generator creates API keys and hashes them for lookup
type Generator struct {
	random io.Reader
}

// NewGenerator creates a generator reading from crypto/rand
func NewGenerator() *Generator {
	return &Generator{random: rand.Reader}
}

// Generate creates a new key.
// Format: gg_<base64url(32 random bytes)>
// Only hash and prefix should be persisted; key is shown to the caller once.
func (g *Generator) Generate() (key string, hash string, prefix string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := io.ReadFull(g.random, randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	key = KeyPrefix + encoded
	return key, g.Hash(key), KeyPrefix + encoded[:displayChars], nil
}

// Hash computes the SHA-256 hash of a key for storage and lookup
func (g *Generator) Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat checks that key looks like a gridguard key
func (g *Generator) ValidateFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("key must start with %q", KeyPrefix)
	}

	encoded := strings.TrimPrefix(key, KeyPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != KeyLength {
		return fmt.Errorf("key has %d random bytes, want %d", len(raw), KeyLength)
	}
	return nil
}

// Prefix returns the display prefix of key, or "" if it is not a gridguard key
func (g *Generator) Prefix(key string) string {
	if !strings.HasPrefix(key, KeyPrefix) {
		return ""
	}
	encoded := strings.TrimPrefix(key, KeyPrefix)
	if len(encoded) >= displayChars {
		return KeyPrefix + encoded[:displayChars]
	}
	return key
}
