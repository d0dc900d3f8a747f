package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/testutil"
	"github.com/eugener/aiguard/internal/vault"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	return vault.New([]byte("0123456789abcdef0123456789abcdef"))
}

func sealed(t *testing.T, v *vault.Vault, apiKey string) guard.ProviderCredential {
	t.Helper()
	env, keyID, err := v.Encrypt(apiKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	return guard.ProviderCredential{
		Provider:   guard.ProviderOpenAI,
		Ciphertext: env,
		KeyID:      keyID,
		Active:     true,
		AddedBy:    "user-1",
		AddedAt:    time.Now().UTC(),
	}
}

func principal(defaultProject string) *guard.Principal {
	return &guard.Principal{
		User:     &guard.User{ID: "user-1", Status: guard.UserActive, DefaultProjectID: defaultProject},
		AuthType: guard.AuthPAT,
	}
}

func TestResolveProjectCredential(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	store := testutil.NewFakeStore()

	cred := sealed(t, v, "sk-project-key")
	project := &guard.Project{ID: "proj-1", OwnerID: "user-1", Credentials: []guard.ProviderCredential{cred}}

	r := NewResolver(v, store, nil, nil)
	got, err := r.Resolve(context.Background(), principal(""), project, guard.ProviderOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "sk-project-key" || got.Source != guard.SourceProject || got.KeyID != cred.KeyID {
		t.Errorf("resolved = %+v", got)
	}
}

func TestResolveFirstActiveWins(t *testing.T) {
	t.Parallel()
	v := newVault(t)

	inactive := sealed(t, v, "sk-old")
	inactive.Active = false
	first := sealed(t, v, "sk-first")
	second := sealed(t, v, "sk-second")
	project := &guard.Project{ID: "proj-1", Credentials: []guard.ProviderCredential{inactive, first, second}}

	r := NewResolver(v, testutil.NewFakeStore(), nil, nil)
	got, err := r.Resolve(context.Background(), principal(""), project, guard.ProviderOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "sk-first" {
		t.Errorf("key = %q, want first active in insertion order", got.Key)
	}
}

func TestResolveDefaultProjectFallback(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	store := testutil.NewFakeStore()

	cred := sealed(t, v, "sk-default-key")
	store.AddProject(&guard.Project{ID: "proj-home", OwnerID: "user-1", Credentials: []guard.ProviderCredential{cred}})

	r := NewResolver(v, store, nil, nil)

	// No project context at all.
	got, err := r.Resolve(context.Background(), principal("proj-home"), nil, guard.ProviderOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "sk-default-key" || got.Source != guard.SourceUser {
		t.Errorf("resolved = %+v", got)
	}

	// Project context without a matching credential.
	bare := &guard.Project{ID: "proj-bare"}
	got, err = r.Resolve(context.Background(), principal("proj-home"), bare, guard.ProviderOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != guard.SourceUser {
		t.Errorf("source = %q, want user", got.Source)
	}
}

func TestResolveSystemFallback(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	system := map[guard.Provider]string{guard.ProviderOpenAI: "sk-system"}

	r := NewResolver(v, testutil.NewFakeStore(), system, nil)
	got, err := r.Resolve(context.Background(), principal(""), nil, guard.ProviderOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "sk-system" || got.Source != guard.SourceSystem || got.KeyID != "" {
		t.Errorf("resolved = %+v", got)
	}
}

func TestResolveNoCredential(t *testing.T) {
	t.Parallel()
	r := NewResolver(newVault(t), testutil.NewFakeStore(), nil, nil)
	_, err := r.Resolve(context.Background(), principal(""), nil, guard.ProviderGemini)
	if !errors.Is(err, guard.ErrCredentialUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialUnavailable", err)
	}
}

func TestResolveAllowlistForbidden(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	system := map[guard.Provider]string{guard.ProviderOpenAI: "sk-system"}
	project := &guard.Project{
		ID:       "proj-1",
		Settings: guard.ProjectSettings{AllowedProviders: []guard.Provider{guard.ProviderAnthropic}},
	}

	r := NewResolver(v, testutil.NewFakeStore(), system, nil)
	_, err := r.Resolve(context.Background(), principal(""), project, guard.ProviderOpenAI)
	if !errors.Is(err, guard.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden (allowlist must block system fallback too)", err)
	}
}

func TestResolveCorruptEnvelopeDoesNotFallThrough(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	system := map[guard.Provider]string{guard.ProviderOpenAI: "sk-system"}

	cred := sealed(t, v, "sk-project-key")
	cred.Ciphertext = "not-base64!!"
	project := &guard.Project{ID: "proj-1", Credentials: []guard.ProviderCredential{cred}}

	r := NewResolver(v, testutil.NewFakeStore(), system, nil)
	_, err := r.Resolve(context.Background(), principal(""), project, guard.ProviderOpenAI)
	if !errors.Is(err, guard.ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}
