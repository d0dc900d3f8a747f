// Package storage defines persistence contracts for the proxy.
package storage

import (
	"context"
	"time"

	guard "github.com/eugener/aiguard/internal"
)

// UserStore manages user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *guard.User) error
	GetUser(ctx context.Context, id string) (*guard.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*guard.User, error)
	GetUserByEmail(ctx context.Context, email string) (*guard.User, error)
	UpdateUser(ctx context.Context, u *guard.User) error
	// UpsertExternalUser creates or refreshes a user keyed by external uid and
	// returns the stored record.
	UpsertExternalUser(ctx context.Context, externalID, email, displayName string) (*guard.User, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// TokenStore manages personal access token persistence.
type TokenStore interface {
	CreateToken(ctx context.Context, t *guard.PersonalAccessToken) error
	GetToken(ctx context.Context, id string) (*guard.PersonalAccessToken, error)
	ListTokens(ctx context.Context, userID string) ([]*guard.PersonalAccessToken, error)
	// ReplaceTokenSecret swaps the stored identifier and hash during rotation.
	ReplaceTokenSecret(ctx context.Context, oldID, newID, newHash string) error
	RevokeToken(ctx context.Context, id string) error
	RevokeUserTokens(ctx context.Context, userID string) error
	TouchTokenUsed(ctx context.Context, id string, at time.Time) error
}

// UsageDelta is one atomic increment applied to all three project buckets.
type UsageDelta struct {
	Requests int64
	Tokens   int64
	Cost     float64
}

// ProjectStore manages project persistence. Embedded arrays (members,
// credentials) are updated element-wise; usage counters only ever move via
// server-side atomic increments.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *guard.Project) error
	GetProject(ctx context.Context, id string) (*guard.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]*guard.Project, error)
	UpdateSettings(ctx context.Context, id string, s guard.ProjectSettings) error
	DeleteProject(ctx context.Context, id string) error

	AddMember(ctx context.Context, projectID string, m guard.ProjectMember) error
	RemoveMember(ctx context.Context, projectID, userID string) error

	AddCredential(ctx context.Context, projectID string, c guard.ProviderCredential) error
	RemoveCredential(ctx context.Context, projectID, keyID string) error

	// IncrementUsage applies d to total, currentMonth and currentDay in a
	// single server-side operation. A read-modify-write is forbidden here.
	IncrementUsage(ctx context.Context, projectID string, d UsageDelta) error
	// ResetDailyUsage / ResetMonthlyUsage zero the rolling buckets across all
	// projects. Driven by the reset worker, never by the request path.
	ResetDailyUsage(ctx context.Context) error
	ResetMonthlyUsage(ctx context.Context) error
}

// UsageStore manages usage record persistence (90-day TTL).
type UsageStore interface {
	InsertUsage(ctx context.Context, records []guard.UsageRecord) error
	ListProjectUsage(ctx context.Context, projectID string, since time.Time, limit int) ([]*guard.UsageRecord, error)
}

// AuditStore manages audit log persistence (90-day TTL).
type AuditStore interface {
	InsertAudit(ctx context.Context, entries []guard.AuditLog) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	TokenStore
	ProjectStore
	UsageStore
	AuditStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
