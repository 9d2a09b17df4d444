// Package token generates the single-use secrets handed to clients
// (reservation and recovery tokens) and hashes them for storage.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// Length is the number of characters in every generated token.
const Length = 40

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Generate returns a random token of Length characters drawn from [0-9a-zA-Z].
func Generate() (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, Length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// WellFormed reports whether s could have been produced by Generate.
func WellFormed(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// Hasher hashes tokens with bcrypt at a fixed cost.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher. A cost outside bcrypt's range falls back to
// bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of tok.
func (h *Hasher) Hash(tok string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(tok), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// Matches reports whether tok is the plaintext of hash.
func Matches(hash, tok string) bool {
	if hash == "" || tok == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)) == nil
}
