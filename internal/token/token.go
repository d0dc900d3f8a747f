// Package token mints, formats and verifies personal access tokens.
//
// Wire format: pat_<16 hex>_<32 url-safe base64>. The identifier half
// (including the pat_ prefix) is stored and indexed for lookup; the full wire
// string is bcrypt-hashed for verification and never persisted raw.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	guard "github.com/eugener/aiguard/internal"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix marks a bearer string as a PAT.
	Prefix = "pat_"

	idBytes     = 8  // 16 hex chars
	secretBytes = 24 // 32 url-safe base64 chars

	// bcrypt cost for stored hashes.
	hashCost = 10
)

// Token is a freshly minted PAT. Raw is shown to the creator exactly once.
type Token struct {
	ID   string // "pat_<16 hex>", the indexed identifier
	Raw  string // full wire string, "pat_<id>_<secret>"
	Hash string // bcrypt hash of Raw
}

// New mints a PAT: random identifier, random secret, bcrypt hash of the full
// wire string.
func New() (*Token, error) {
	id := make([]byte, idBytes)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("token: generate id: %w", err)
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("token: generate secret: %w", err)
	}

	tokenID := Prefix + hex.EncodeToString(id)
	raw := Format(tokenID, base64.RawURLEncoding.EncodeToString(secret))

	hash, err := Hash(raw)
	if err != nil {
		return nil, err
	}
	return &Token{ID: tokenID, Raw: raw, Hash: hash}, nil
}

// Format assembles the wire string from an identifier ("pat_<16 hex>") and a
// secret.
func Format(id, secret string) string {
	return id + "_" + secret
}

// Parse splits a wire string into identifier and secret. The identifier
// retains the pat_ prefix, matching the stored form.
func Parse(raw string) (id, secret string, err error) {
	if !strings.HasPrefix(raw, Prefix) {
		return "", "", fmt.Errorf("%w: missing pat_ prefix", guard.ErrInvalidRequest)
	}
	rest := raw[len(Prefix):]
	i := strings.IndexByte(rest, '_')
	if i != 16 {
		return "", "", fmt.Errorf("%w: malformed token identifier", guard.ErrInvalidRequest)
	}
	idPart, secretPart := rest[:i], rest[i+1:]
	if !isLowerHex(idPart) {
		return "", "", fmt.Errorf("%w: malformed token identifier", guard.ErrInvalidRequest)
	}
	if secretPart == "" {
		return "", "", fmt.Errorf("%w: empty token secret", guard.ErrInvalidRequest)
	}
	return Prefix + idPart, secretPart, nil
}

// Hash bcrypt-hashes the full wire string at the fixed cost.
func Hash(raw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(raw), hashCost)
	if err != nil {
		return "", fmt.Errorf("token: hash: %w", err)
	}
	return string(h), nil
}

// Verify compares a presented wire string against a stored hash. bcrypt's
// comparison is constant-time over the derived digest.
func Verify(raw, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
