package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultCertsURL serves the X.509 certificates that sign identity tokens.
const defaultCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// customTokenAudience is the fixed audience of service-account custom tokens.
const customTokenAudience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

const certsRefresh = time.Hour

// IdentityOptions configures the verifier. ClientEmail and PrivateKey are
// optional service-account material; when both are set, custom tokens signed
// by that account are accepted alongside provider-issued ID tokens.
type IdentityOptions struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string // PEM-encoded RSA key
}

// IdentityVerifier validates identity-provider ID tokens (RS256 JWTs signed
// by rotating published certificates). Certificates are cached and refreshed
// on expiry or unknown key id.
type IdentityVerifier struct {
	projectID    string
	certsURL     string
	client       *http.Client
	serviceEmail string
	serviceKey   *rsa.PublicKey

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewIdentityVerifier returns a verifier for tokens issued to the configured
// project. A malformed service-account key is a configuration error and is
// rejected up front.
func NewIdentityVerifier(opts IdentityOptions, client *http.Client) (*IdentityVerifier, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	iv := &IdentityVerifier{
		projectID: opts.ProjectID,
		certsURL:  defaultCertsURL,
		client:    client,
	}
	if opts.ClientEmail != "" && opts.PrivateKey != "" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(opts.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
		iv.serviceEmail = opts.ClientEmail
		iv.serviceKey = &key.PublicKey
	}
	return iv, nil
}

type identityTokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Verify checks signature, issuer, audience and expiry, and returns the
// caller's basic profile. Tokens issued by the configured service account
// take the custom-token path; everything else is an ID token.
func (iv *IdentityVerifier) Verify(ctx context.Context, bearer string) (*IdentityClaims, error) {
	if iv.serviceKey != nil {
		peek := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(bearer, peek); err == nil && peek.Issuer == iv.serviceEmail {
			return iv.verifyCustomToken(bearer)
		}
	}

	claims := &identityTokenClaims{}
	tok, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("identity token missing kid")
		}
		return iv.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer("https://securetoken.google.com/"+iv.projectID),
		jwt.WithAudience(iv.projectID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify identity token: %w", err)
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("identity token invalid")
	}

	return &IdentityClaims{
		UID:         claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, nil
}

type customTokenClaims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// verifyCustomToken checks a token the service account signed itself: fixed
// audience, issuer and subject both the account email, uid in a claim.
func (iv *IdentityVerifier) verifyCustomToken(bearer string) (*IdentityClaims, error) {
	claims := &customTokenClaims{}
	tok, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		return iv.serviceKey, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(iv.serviceEmail),
		jwt.WithAudience(customTokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify custom token: %w", err)
	}
	if !tok.Valid || claims.UID == "" {
		return nil, fmt.Errorf("custom token invalid")
	}
	return &IdentityClaims{UID: claims.UID}, nil
}

// key returns the public key for kid, refreshing the cert set when the cache
// is stale or the kid is unknown.
func (iv *IdentityVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	iv.mu.RLock()
	k, ok := iv.keys[kid]
	fresh := time.Since(iv.fetchedAt) < certsRefresh
	iv.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}

	if err := iv.refresh(ctx); err != nil {
		return nil, err
	}

	iv.mu.RLock()
	defer iv.mu.RUnlock()
	k, ok = iv.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no certificate for kid %q", kid)
	}
	return k, nil
}

func (iv *IdentityVerifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iv.certsURL, nil)
	if err != nil {
		return err
	}
	resp, err := iv.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch identity certs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch identity certs: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read identity certs: %w", err)
	}

	var pems map[string]string
	if err := json.Unmarshal(body, &pems); err != nil {
		return fmt.Errorf("parse identity certs: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(pems))
	for kid, certPEM := range pems {
		block, _ := pem.Decode([]byte(certPEM))
		if block == nil {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			keys[kid] = pub
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("identity cert set empty")
	}

	iv.mu.Lock()
	iv.keys = keys
	iv.fetchedAt = time.Now()
	iv.mu.Unlock()
	return nil
}
