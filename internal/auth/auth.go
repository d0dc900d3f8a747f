// Package auth validates caller credentials. Two schemes are supported:
// proxy-minted personal access tokens (pat_ prefix, bcrypt-verified) and
// third-party identity tokens checked by an external verifier. Resolved
// principals are cached in an otter W-TinyLFU cache keyed by a SHA-256
// fingerprint of the presented bearer string.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/token"
	"github.com/eugener/aiguard/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000
)

// IdentityClaims is what the external verifier reports about a caller.
type IdentityClaims struct {
	UID         string
	Email       string
	DisplayName string
}

// Verifier checks a third-party identity token.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*IdentityClaims, error)
}

// Authenticator resolves a request to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*guard.Principal, error)
}

// Validator dispatches between the PAT and external-identity paths.
// A nil verifier means the proxy serves PAT-only traffic.
type Validator struct {
	users    storage.UserStore
	tokens   storage.TokenStore
	verifier Verifier
	cache    *otter.Cache[string, *guard.Principal]
}

// NewValidator returns a Validator backed by the given stores.
func NewValidator(users storage.UserStore, tokens storage.TokenStore, verifier Verifier) (*Validator, error) {
	c, err := otter.New(&otter.Options[string, *guard.Principal]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *guard.Principal](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Validator{users: users, tokens: tokens, verifier: verifier, cache: c}, nil
}

// Authenticate extracts the bearer string from the Authorization header and
// runs the matching scheme. The "Bearer " prefix is optional on the wire.
func (v *Validator) Authenticate(ctx context.Context, r *http.Request) (*guard.Principal, error) {
	raw := r.Header.Get("Authorization")
	raw = strings.TrimPrefix(raw, "Bearer ")
	if raw == "" {
		return nil, guard.ErrAuthentication
	}

	// SHA-256 here is a cache fingerprint only, never a stored verification
	// artifact.
	fp := fingerprint(raw)
	if p, ok := v.cache.GetIfPresent(fp); ok {
		if p.Token != nil && !p.Token.Usable(time.Now()) {
			v.cache.Invalidate(fp)
			return nil, guard.ErrAuthentication
		}
		return p, nil
	}

	var (
		p   *guard.Principal
		err error
	)
	if strings.HasPrefix(raw, token.Prefix) {
		p, err = v.authenticatePAT(ctx, raw)
	} else if v.verifier != nil {
		p, err = v.authenticateExternal(ctx, raw)
	} else {
		return nil, guard.ErrAuthentication
	}
	if err != nil {
		return nil, err
	}

	v.cache.Set(fp, p)
	return p, nil
}

func (v *Validator) authenticatePAT(ctx context.Context, raw string) (*guard.Principal, error) {
	id, _, err := token.Parse(raw)
	if err != nil {
		return nil, guard.ErrAuthentication
	}

	t, err := v.tokens.GetToken(ctx, id)
	if err != nil {
		return nil, guard.ErrAuthentication
	}
	if !token.Verify(raw, t.TokenHash) {
		return nil, guard.ErrAuthentication
	}
	if !t.Usable(time.Now()) {
		return nil, guard.ErrAuthentication
	}

	u, err := v.users.GetUser(ctx, t.UserID)
	if err != nil {
		return nil, guard.ErrAuthentication
	}
	if u.Status != guard.UserActive {
		return nil, guard.ErrAuthentication
	}

	v.touchAsync(ctx, func(ctx context.Context, at time.Time) error {
		return v.tokens.TouchTokenUsed(ctx, t.ID, at)
	})

	return &guard.Principal{User: u, Token: t, AuthType: guard.AuthPAT}, nil
}

func (v *Validator) authenticateExternal(ctx context.Context, raw string) (*guard.Principal, error) {
	claims, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, guard.ErrAuthentication
	}

	u, err := v.users.UpsertExternalUser(ctx, claims.UID, claims.Email, claims.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("upsert external user: %w", err)
	}
	if u.Status != guard.UserActive {
		return nil, guard.ErrAuthentication
	}

	v.touchAsync(ctx, func(ctx context.Context, at time.Time) error {
		return v.users.TouchLogin(ctx, u.ID, at)
	})

	return &guard.Principal{User: u, AuthType: guard.AuthExternal}, nil
}

// touchAsync updates a last-used style timestamp off the request path.
func (v *Validator) touchAsync(ctx context.Context, fn func(context.Context, time.Time) error) {
	now := time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		fn(ctx, now) //nolint:errcheck
	}()
}

// Invalidate drops any cached principal for the given bearer string.
func (v *Validator) Invalidate(raw string) {
	v.cache.Invalidate(fingerprint(raw))
}

func fingerprint(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
