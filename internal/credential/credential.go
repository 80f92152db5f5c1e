// Package credential provides one-way hashing for user passwords and device
// secrets. Raw secrets are never stored or logged; verification fails closed
// on malformed input.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies secrets with a fixed bcrypt cost.
type Hasher struct {
	cost int
}

// Option configures Hasher.
type Option func(*Hasher)

// WithCost overrides the bcrypt cost factor. Values outside the bcrypt range
// are ignored.
func WithCost(cost int) Option {
	return func(h *Hasher) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			h.cost = cost
		}
	}
}

// NewHasher constructs a Hasher with bcrypt.DefaultCost unless overridden.
func NewHasher(opts ...Option) *Hasher {
	h := &Hasher{cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns a salted one-way hash of the secret.
func (h *Hasher) Hash(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("credential: secret is empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify reports whether secret matches the stored hash. A malformed or empty
// hash yields false, never an error; callers cannot distinguish a bad secret
// from a corrupt stored hash.
func (h *Hasher) Verify(secret, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// GenerateDeviceSecret returns a one-time device secret. The caller shows it
// once and persists only its hash.
func GenerateDeviceSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
