// Package middleware provides authentication, request logging, and rate
// limiting for the rollout HTTP and gRPC transports. API keys use the
// "keyID.secret" scheme with only a bcrypt hash of the secret at rest.
package middleware

import (
	"golang.org/x/crypto/bcrypt"
)

// APIKeyMatchesHash compares an API key secret against its stored bcrypt
// hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
