package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Credentials hashes and verifies user passwords with bcrypt.
//
// Passwords are SHA-256 digested before bcrypt so that passwords longer than
// bcrypt's 72-byte input limit still compare in full.
type Credentials struct {
	cost      int
	dummyHash []byte // compared against when the user does not exist
}

// NewCredentials creates a verifier using the given bcrypt cost
func NewCredentials(cost int) (*Credentials, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("failed to generate dummy password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword(digest(string(random)), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash dummy password: %w", err)
	}

	return &Credentials{cost: cost, dummyHash: dummy}, nil
}

// Hash returns the stored form of a password
func (c *Credentials) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(digest(password), c.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. An empty hash (unknown user)
// is checked against a dummy hash so it costs the same as a real check.
func (c *Credentials) Verify(hash, password string) bool {
	if hash == "" {
		bcrypt.CompareHashAndPassword(c.dummyHash, digest(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), digest(password)) == nil
}

func digest(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(encoded, sum[:])
	return encoded
}
