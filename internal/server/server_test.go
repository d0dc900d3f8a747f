package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/audit"
	"github.com/eugener/aiguard/internal/auth"
	"github.com/eugener/aiguard/internal/credential"
	"github.com/eugener/aiguard/internal/provider"
	"github.com/eugener/aiguard/internal/proxy"
	"github.com/eugener/aiguard/internal/ratelimit"
	"github.com/eugener/aiguard/internal/testutil"
	"github.com/eugener/aiguard/internal/token"
	"github.com/eugener/aiguard/internal/usage"
	"github.com/eugener/aiguard/internal/validate"
	"github.com/eugener/aiguard/internal/vault"
)

// captureRecorder collects usage and audit events synchronously so tests can
// assert on them without polling a worker.
type captureRecorder struct {
	mu     sync.Mutex
	usage  []guard.UsageRecord
	audits []guard.AuditLog
}

func (c *captureRecorder) Record(r guard.UsageRecord) {
	c.mu.Lock()
	c.usage = append(c.usage, r)
	c.mu.Unlock()
}

func (c *captureRecorder) RecordAudit(e guard.AuditLog) {
	c.mu.Lock()
	c.audits = append(c.audits, e)
	c.mu.Unlock()
}

func (c *captureRecorder) usageRecords() []guard.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]guard.UsageRecord, len(c.usage))
	copy(out, c.usage)
	return out
}

func (c *captureRecorder) auditEntries() []guard.AuditLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]guard.AuditLog, len(c.audits))
	copy(out, c.audits)
	return out
}

// env wires a full handler against in-memory fakes and one httptest upstream.
type env struct {
	store    *testutil.FakeStore
	vault    *vault.Vault
	recorder *captureRecorder
	handler  http.Handler
	upstream *httptest.Server
}

// newEnv builds the handler. The openai registry entry is pointed at the
// upstream for the duration of the test; tests touching the registry must not
// run in parallel.
func newEnv(t *testing.T, upstream http.HandlerFunc) *env {
	t.Helper()

	store := testutil.NewFakeStore()
	rec := &captureRecorder{}
	v := vault.New([]byte("server-test-master-key"))

	authv, err := auth.NewValidator(store, store, nil)
	if err != nil {
		t.Fatalf("auth validator: %v", err)
	}
	validator, err := validate.New()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	pointProvider(t, guard.ProviderOpenAI, srv.URL)

	resolver := credential.NewResolver(v, store, map[guard.Provider]string{
		guard.ProviderOpenAI: "sk-system-openai",
	}, nil)

	fwd := proxy.New(srv.Client(), proxy.Options{Timeout: 5 * time.Second, MaxRetries: 1}, nil)

	handler := New(Deps{
		Auth:      authv,
		Validator: validator,
		Limiter:   ratelimit.NewLocalLimiter(),
		Resolver:  resolver,
		Forwarder: fwd,
		Vault:     v,
		Store:     store,
		Tracker:   usage.NewTracker(rec, store, nil),
		Audit:     audit.NewWriter(rec),
		AdminKey:  "super-secret",
	})

	return &env{store: store, vault: v, recorder: rec, handler: handler, upstream: srv}
}

func pointProvider(t *testing.T, p guard.Provider, rawURL string) {
	t.Helper()
	entry := provider.Get(p)
	old := entry.Origin
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	entry.Origin = u
	t.Cleanup(func() { entry.Origin = old })
}

// seedUser inserts an active user plus a usable PAT and returns the raw wire
// string.
func seedUser(t *testing.T, store *testutil.FakeStore, userID string, scopes ...guard.Scope) string {
	t.Helper()
	now := time.Now().UTC()
	store.AddUser(&guard.User{
		ID:        userID,
		Email:     userID + "@example.com",
		Status:    guard.UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	})

	tok, err := token.New()
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if len(scopes) == 0 {
		scopes = []guard.Scope{
			guard.ScopeAPIRead, guard.ScopeAPIWrite,
			guard.ScopeProjectsRead, guard.ScopeProjectsWrite,
			guard.ScopeUsersRead, guard.ScopeUsersWrite,
		}
	}
	store.AddToken(&guard.PersonalAccessToken{
		ID:        tok.ID,
		TokenHash: tok.Hash,
		UserID:    userID,
		Name:      "test-" + tok.ID,
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return tok.Raw
}

// seedProject inserts a project owned by ownerID.
func seedProject(t *testing.T, store *testutil.FakeStore, id, ownerID string, settings guard.ProjectSettings) *guard.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &guard.Project{
		ID:      id,
		Name:    id,
		OwnerID: ownerID,
		Members: []guard.ProjectMember{
			{UserID: ownerID, Role: guard.RoleOwner, AddedAt: now},
		},
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.AddProject(p)
	return p
}

func (e *env) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}
