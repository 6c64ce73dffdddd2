// Package util holds the random identifiers and secrets handed out by the
// session and password services.
package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// NewID returns 16 random bytes hex encoded, as prefix_<hex> when a prefix
// is given. IDs are not secrets.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

// NewSecret returns n random bytes, URL-safe base64 encoded. Only hashes of
// secrets are stored.
func NewSecret(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("secret of %d bytes is too short", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
