// Package credential resolves the upstream API key for a proxied request.
// Resolution walks a three-tier fallback chain: the request's project, the
// caller's default project, then the system-level key from configuration.
package credential

import (
	"context"
	"fmt"
	"log/slog"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/storage"
	"github.com/eugener/aiguard/internal/vault"
)

// Resolver decrypts project credentials and falls back to system keys.
type Resolver struct {
	vault    *vault.Vault
	projects storage.ProjectStore
	system   map[guard.Provider]string
	log      *slog.Logger
}

// NewResolver builds a Resolver. system maps provider tags to plaintext keys
// sourced from configuration; missing entries simply shorten the chain.
func NewResolver(v *vault.Vault, projects storage.ProjectStore, system map[guard.Provider]string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{vault: v, projects: projects, system: system, log: log}
}

// Resolve returns the upstream key for provider. The project argument is the
// request's project context and may be nil; the principal must not be.
//
// The provider allowlist of whichever project supplies the key is enforced
// before decryption. A sealed credential that fails to open does not fall
// through to the next tier -- that would silently bill a different key.
func (r *Resolver) Resolve(ctx context.Context, principal *guard.Principal, project *guard.Project, provider guard.Provider) (*guard.ResolvedCredential, error) {
	if project != nil {
		if !project.Settings.ProviderAllowed(provider) {
			return nil, fmt.Errorf("%w: provider %q not allowed for project %s", guard.ErrForbidden, provider, project.ID)
		}
		if c := project.ActiveCredential(provider); c != nil {
			return r.open(c, guard.SourceProject)
		}
	}

	if cred, err := r.fromDefaultProject(ctx, principal, project, provider); err != nil || cred != nil {
		return cred, err
	}

	if key, ok := r.system[provider]; ok && key != "" {
		return &guard.ResolvedCredential{Key: key, Source: guard.SourceSystem}, nil
	}

	return nil, fmt.Errorf("%w: no credential for provider %q", guard.ErrCredentialUnavailable, provider)
}

// fromDefaultProject tries the caller's default project, skipping it when it
// is the project already consulted. Returns (nil, nil) to continue the chain.
func (r *Resolver) fromDefaultProject(ctx context.Context, principal *guard.Principal, consulted *guard.Project, provider guard.Provider) (*guard.ResolvedCredential, error) {
	if principal == nil || principal.User == nil || principal.User.DefaultProjectID == "" {
		return nil, nil
	}
	if consulted != nil && consulted.ID == principal.User.DefaultProjectID {
		return nil, nil
	}

	p, err := r.projects.GetProject(ctx, principal.User.DefaultProjectID)
	if err != nil {
		// A dangling default project reference is not fatal.
		r.log.LogAttrs(ctx, slog.LevelWarn, "default project lookup failed",
			slog.String("project_id", principal.User.DefaultProjectID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	if !p.Settings.ProviderAllowed(provider) {
		return nil, nil
	}
	c := p.ActiveCredential(provider)
	if c == nil {
		return nil, nil
	}
	return r.open(c, guard.SourceUser)
}

func (r *Resolver) open(c *guard.ProviderCredential, source guard.KeySource) (*guard.ResolvedCredential, error) {
	p, err := r.vault.Decrypt(c.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s", guard.ErrDecryptionFailed, c.KeyID)
	}
	return &guard.ResolvedCredential{Key: p.Key, Source: source, KeyID: c.KeyID}, nil
}
