package endpoint

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Verifier decides whether a client token may open a session.
type Verifier interface {
	Verify(token string) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(token string) bool

func (f VerifierFunc) Verify(token string) bool { return f(token) }

// AllowAll accepts any non-empty token.
var AllowAll = VerifierFunc(func(token string) bool { return token != "" })

// TokenVerifier checks tokens against bcrypt hashes.
type TokenVerifier struct {
	hashes [][]byte
}

// NewTokenVerifier creates a verifier accepting any token matching one of hashes.
func NewTokenVerifier(hashes ...string) *TokenVerifier {
	v := &TokenVerifier{}
	for _, h := range hashes {
		if h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

// HashToken returns the bcrypt hash to configure a TokenVerifier with.
func HashToken(token string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

func (v *TokenVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return true
		}
	}
	return false
}
