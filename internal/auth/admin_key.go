package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MinAdminKeyLength is the shortest admin key HashAdminKey accepts.
	MinAdminKeyLength = 16

	// MaxAdminKeyLength matches bcrypt's input limit.
	MaxAdminKeyLength = 72
)

// HashAdminKey hashes an operator key for the admin_key_hash setting.
func HashAdminKey(key string, cost int) (string, error) {
	if len(key) < MinAdminKeyLength {
		return "", fmt.Errorf("admin key must be at least %d characters", MinAdminKeyLength)
	}
	if len(key) > MaxAdminKeyLength {
		return "", fmt.Errorf("admin key must be at most %d characters", MaxAdminKeyLength)
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}
	return string(bytes), nil
}

// AdminKeyVerifier checks keys against a bcrypt hash. A verifier without a
// hash rejects every key.
type AdminKeyVerifier struct {
	hash []byte
}

func NewAdminKeyVerifier(hash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: []byte(hash)}
}

// Enabled reports whether a hash is configured.
func (v *AdminKeyVerifier) Enabled() bool { return v != nil && len(v.hash) > 0 }

// Verify verifies a key against the hash
func (v *AdminKeyVerifier) Verify(key string) bool {
	if !v.Enabled() || len(key) > MaxAdminKeyLength {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(key)) == nil
}
