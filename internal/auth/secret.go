package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned when a presented credential does not match the
// configured secret.
var ErrUnauthorized = errors.New("unauthorized")

// Match reports whether presented matches the configured secret. A secret in
// bcrypt form is verified with bcrypt; any other secret is compared through
// fixed-size BLAKE3 digests in constant time. Empty values never match.
func Match(secret, presented string) bool {
	if secret == "" || presented == "" {
		return false
	}

	if IsBcryptHash(secret) {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(presented)) == nil
	}

	want := blake3.Sum256([]byte(secret))
	got := blake3.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// IsBcryptHash reports whether value looks like a bcrypt hash.
func IsBcryptHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// HashSecret returns a bcrypt hash of secret suitable for configuration.
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// StaticSecret authorizes against a secret fixed at startup.
type StaticSecret string

// Authorize implements the request gate.
func (s StaticSecret) Authorize(presented string) error {
	if !Match(string(s), presented) {
		return ErrUnauthorized
	}
	return nil
}
