// Package middleware provides HTTP middleware for the gradual API: bearer
// token authentication with bcrypt-hashed API keys, per-IP throttling of
// failed attempts, and request logging with request-scoped loggers.
package middleware

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey derives a salted bcrypt hash from an API key secret. Only the
// hash is ever persisted.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash reports whether secret matches the stored bcrypt hash.
func APIKeyMatchesHash(storedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
}
