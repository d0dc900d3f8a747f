// Package testutil provides in-memory fakes for tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// Usage increments are applied under the store lock, mirroring the atomicity
// the real document store guarantees.
type FakeStore struct {
	mu       sync.RWMutex
	users    map[string]*guard.User
	tokens   map[string]*guard.PersonalAccessToken
	projects map[string]*guard.Project
	usage    []guard.UsageRecord
	audit    []guard.AuditLog
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:    make(map[string]*guard.User),
		tokens:   make(map[string]*guard.PersonalAccessToken),
		projects: make(map[string]*guard.Project),
	}
}

// AddUser inserts a user directly.
func (s *FakeStore) AddUser(u *guard.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// AddToken inserts a token directly.
func (s *FakeStore) AddToken(t *guard.PersonalAccessToken) {
	s.mu.Lock()
	s.tokens[t.ID] = t
	s.mu.Unlock()
}

// AddProject inserts a project directly.
func (s *FakeStore) AddProject(p *guard.Project) {
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
}

// UsageRecords returns a snapshot of all inserted usage records.
func (s *FakeStore) UsageRecords() []guard.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]guard.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// AuditEntries returns a snapshot of all inserted audit entries.
func (s *FakeStore) AuditEntries() []guard.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]guard.AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *guard.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == strings.ToLower(u.Email) && existing.Status != guard.UserDeleted {
			return guard.ErrConflict
		}
	}
	u.Email = strings.ToLower(u.Email)
	s.users[u.ID] = u
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*guard.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, guard.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) GetUserByExternalID(_ context.Context, externalID string) (*guard.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, guard.ErrNotFound
}

func (s *FakeStore) GetUserByEmail(_ context.Context, email string) (*guard.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == strings.ToLower(email) && u.Status != guard.UserDeleted {
			cp := *u
			return &cp, nil
		}
	}
	return nil, guard.ErrNotFound
}

func (s *FakeStore) UpdateUser(_ context.Context, u *guard.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return guard.ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *FakeStore) UpsertExternalUser(_ context.Context, externalID, email, displayName string) (*guard.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			u.UpdatedAt = time.Now().UTC()
			cp := *u
			return &cp, nil
		}
	}
	now := time.Now().UTC()
	u := &guard.User{
		ID:          "user-" + externalID,
		ExternalID:  externalID,
		Email:       strings.ToLower(email),
		DisplayName: displayName,
		Status:      guard.UserActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *FakeStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

// --- TokenStore ---

func (s *FakeStore) CreateToken(_ context.Context, t *guard.PersonalAccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.UserID == t.UserID && existing.Name == t.Name {
			return guard.ErrConflict
		}
	}
	s.tokens[t.ID] = t
	return nil
}

func (s *FakeStore) GetToken(_ context.Context, id string) (*guard.PersonalAccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, guard.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) ListTokens(_ context.Context, userID string) ([]*guard.PersonalAccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*guard.PersonalAccessToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) ReplaceTokenSecret(_ context.Context, oldID, newID, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok {
		return guard.ErrNotFound
	}
	fresh := *old
	fresh.ID = newID
	fresh.TokenHash = newHash
	fresh.UpdatedAt = time.Now().UTC()
	delete(s.tokens, oldID)
	s.tokens[newID] = &fresh
	return nil
}

func (s *FakeStore) RevokeToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return guard.ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (s *FakeStore) RevokeUserTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (s *FakeStore) TouchTokenUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[id]; ok {
		t.LastUsedAt = &at
	}
	return nil
}

// --- ProjectStore ---

func (s *FakeStore) CreateProject(_ context.Context, p *guard.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return guard.ErrConflict
	}
	s.projects[p.ID] = p
	return nil
}

func (s *FakeStore) GetProject(_ context.Context, id string) (*guard.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, guard.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) ListProjectsForUser(_ context.Context, userID string) ([]*guard.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*guard.Project
	for _, p := range s.projects {
		if p.Member(userID) != nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateSettings(_ context.Context, id string, settings guard.ProjectSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return guard.ErrNotFound
	}
	p.Settings = settings
	return nil
}

func (s *FakeStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return guard.ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func (s *FakeStore) AddMember(_ context.Context, projectID string, m guard.ProjectMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return guard.ErrNotFound
	}
	if p.Member(m.UserID) != nil {
		return guard.ErrConflict
	}
	p.Members = append(p.Members, m)
	return nil
}

func (s *FakeStore) RemoveMember(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return guard.ErrNotFound
	}
	for i, m := range p.Members {
		if m.UserID == userID {
			p.Members = append(p.Members[:i], p.Members[i+1:]...)
			return nil
		}
	}
	return guard.ErrNotFound
}

func (s *FakeStore) AddCredential(_ context.Context, projectID string, c guard.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return guard.ErrNotFound
	}
	p.Credentials = append(p.Credentials, c)
	return nil
}

func (s *FakeStore) RemoveCredential(_ context.Context, projectID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return guard.ErrNotFound
	}
	for i, c := range p.Credentials {
		if c.KeyID == keyID {
			p.Credentials = append(p.Credentials[:i], p.Credentials[i+1:]...)
			return nil
		}
	}
	return guard.ErrNotFound
}

func (s *FakeStore) IncrementUsage(_ context.Context, projectID string, d storage.UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return guard.ErrNotFound
	}
	for _, b := range []*guard.UsageBucket{&p.Usage.Total, &p.Usage.CurrentMonth, &p.Usage.CurrentDay} {
		b.Requests += d.Requests
		b.Tokens += d.Tokens
		b.Cost += d.Cost
	}
	p.Usage.LastUpdated = time.Now().UTC()
	return nil
}

func (s *FakeStore) ResetDailyUsage(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		p.Usage.CurrentDay = guard.UsageBucket{}
	}
	return nil
}

func (s *FakeStore) ResetMonthlyUsage(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		p.Usage.CurrentMonth = guard.UsageBucket{}
	}
	return nil
}

// --- UsageStore / AuditStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []guard.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListProjectUsage(_ context.Context, projectID string, since time.Time, limit int) ([]*guard.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*guard.UsageRecord
	for i := range s.usage {
		r := s.usage[i]
		if r.ProjectID == projectID && !r.Timestamp.Before(since) {
			out = append(out, &r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FakeStore) InsertAudit(_ context.Context, entries []guard.AuditLog) error {
	s.mu.Lock()
	s.audit = append(s.audit, entries...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) Ping(context.Context) error       { return nil }
func (s *FakeStore) Close(context.Context) error      { return nil }
