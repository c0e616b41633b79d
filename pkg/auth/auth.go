// Package auth verifies proxy credentials against bcrypt hashes. The
// credential store is built once at startup and is read-only afterwards,
// so it needs no locking.
package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Store maps usernames to bcrypt password hashes. An empty store admits
// every connection without a credential challenge.
type Store struct {
	users map[string]string
}

// NewStore builds a credential store from the configured users map.
// Values starting with the bcrypt prefix are taken as pre-computed hashes
// (see the hash CLI command); anything else is treated as a plaintext
// password and hashed on the spot.
func NewStore(users map[string]string) (*Store, error) {
	hashed := make(map[string]string, len(users))
	for username, secret := range users {
		if username == "" {
			return nil, fmt.Errorf("auth: empty username in users map")
		}
		if strings.HasPrefix(secret, "$2") {
			hashed[username] = secret
			continue
		}
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hashing password for %s: %w", username, err)
		}
		hashed[username] = string(h)
	}
	return &Store{users: hashed}, nil
}

// HasUsers reports whether any credentials are configured. When false,
// handlers skip the authentication step entirely.
func (s *Store) HasUsers() bool {
	return len(s.users) > 0
}

// Authenticate verifies a username/password pair. An empty store accepts
// any pair. Comparison is constant-time via bcrypt.
func (s *Store) Authenticate(username, password string) bool {
	if len(s.users) == 0 {
		return true
	}
	hash, ok := s.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword produces a bcrypt hash suitable for the users map of the
// configuration file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	return string(h), nil
}
