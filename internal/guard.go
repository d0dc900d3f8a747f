// Package guard defines domain types and interfaces for the AI Guard proxy.
// This package has no project imports -- it is the dependency root.
package guard

import (
	"context"
	"strings"
	"time"
)

// --- Providers ---

// Provider identifies an upstream LLM provider. The set is closed; adding a
// provider means extending this enum and the registry table.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// ParseProvider normalizes a provider tag. Unknown tags return false.
func ParseProvider(tag string) (Provider, bool) {
	switch Provider(strings.ToLower(tag)) {
	case ProviderOpenAI:
		return ProviderOpenAI, true
	case ProviderAnthropic:
		return ProviderAnthropic, true
	case ProviderGemini:
		return ProviderGemini, true
	}
	return "", false
}

// Providers lists all registered provider tags.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// --- Users ---

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

// User is a tenant account. Email is stored lowercased and is unique among
// non-deleted users. ExternalID is the identity-provider uid, unique when set.
type User struct {
	ID               string     `bson:"_id" json:"id"`
	ExternalID       string     `bson:"externalId,omitempty" json:"externalId,omitempty"`
	Email            string     `bson:"email" json:"email"`
	DisplayName      string     `bson:"displayName,omitempty" json:"displayName,omitempty"`
	Status           UserStatus `bson:"status" json:"status"`
	DefaultProjectID string     `bson:"defaultProjectId,omitempty" json:"defaultProjectId,omitempty"`
	CreatedAt        time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time  `bson:"updatedAt" json:"updatedAt"`
	LastLoginAt      *time.Time `bson:"lastLoginAt,omitempty" json:"lastLoginAt,omitempty"`
}

// --- Personal access tokens ---

// Scope is a PAT capability.
type Scope string

const (
	ScopeAPIRead       Scope = "api:read"
	ScopeAPIWrite      Scope = "api:write"
	ScopeProjectsRead  Scope = "projects:read"
	ScopeProjectsWrite Scope = "projects:write"
	ScopeUsersRead     Scope = "users:read"
	ScopeUsersWrite    Scope = "users:write"
	ScopeAdmin         Scope = "admin"
)

// ValidScope reports whether s belongs to the closed scope set.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeAPIRead, ScopeAPIWrite, ScopeProjectsRead, ScopeProjectsWrite,
		ScopeUsersRead, ScopeUsersWrite, ScopeAdmin:
		return true
	}
	return false
}

// PersonalAccessToken is the stored form of a PAT. The raw secret is never
// persisted; TokenHash is a bcrypt hash of the full wire string.
type PersonalAccessToken struct {
	ID         string     `bson:"_id" json:"id"` // indexed identifier, "pat_<16 hex>"
	TokenHash  string     `bson:"tokenHash" json:"-"`
	UserID     string     `bson:"userId" json:"userId"`
	ProjectID  string     `bson:"projectId,omitempty" json:"projectId,omitempty"`
	Name       string     `bson:"name" json:"name"` // unique per user
	Scopes     []Scope    `bson:"scopes" json:"scopes"`
	ExpiresAt  *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Revoked    bool       `bson:"revoked" json:"revoked"`
	LastUsedAt *time.Time `bson:"lastUsedAt,omitempty" json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// Usable reports whether the token may authenticate right now. The owner's
// status is checked by the caller, which holds the User record.
func (t *PersonalAccessToken) Usable(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// HasScope reports whether the token carries s. Admin implies everything.
func (t *PersonalAccessToken) HasScope(s Scope) bool {
	for _, have := range t.Scopes {
		if have == s || have == ScopeAdmin {
			return true
		}
	}
	return false
}

// --- Projects ---

// MemberRole is a project membership role.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// ProjectMember is an embedded membership entry. The project owner always
// appears here with RoleOwner.
type ProjectMember struct {
	UserID  string     `bson:"userId" json:"userId"`
	Role    MemberRole `bson:"role" json:"role"`
	AddedAt time.Time  `bson:"addedAt" json:"addedAt"`
}

// ProviderCredential is an embedded, vault-sealed provider API key.
type ProviderCredential struct {
	Provider   Provider  `bson:"provider" json:"provider"`
	Ciphertext string    `bson:"ciphertext" json:"-"` // vault envelope, base64
	KeyID      string    `bson:"keyId" json:"keyId"`
	Active     bool      `bson:"active" json:"active"`
	AddedBy    string    `bson:"addedBy" json:"addedBy"`
	AddedAt    time.Time `bson:"addedAt" json:"addedAt"`
}

// UsageBucket is one accounting bucket: request count, token count, cost.
type UsageBucket struct {
	Requests int64   `bson:"requests" json:"requests"`
	Tokens   int64   `bson:"tokens" json:"tokens"`
	Cost     float64 `bson:"cost" json:"cost"`
}

// ProjectUsage holds the three rolling buckets. CurrentDay and CurrentMonth
// are zeroed by the reset worker; admissions trust the counter values and
// never consult the clock.
type ProjectUsage struct {
	Total        UsageBucket `bson:"total" json:"total"`
	CurrentMonth UsageBucket `bson:"currentMonth" json:"currentMonth"`
	CurrentDay   UsageBucket `bson:"currentDay" json:"currentDay"`
	LastUpdated  time.Time   `bson:"lastUpdated" json:"lastUpdated"`
}

// ProjectSettings holds per-project policy overrides. Nil means "use the
// tier default".
type ProjectSettings struct {
	RateLimitPerMin  *int       `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	QuotaDaily       *int64     `bson:"quotaDaily,omitempty" json:"quotaDaily,omitempty"`
	QuotaMonthly     *int64     `bson:"quotaMonthly,omitempty" json:"quotaMonthly,omitempty"`
	AllowedProviders []Provider `bson:"allowedProviders,omitempty" json:"allowedProviders,omitempty"`
	WebhookURL       string     `bson:"webhookUrl,omitempty" json:"webhookUrl,omitempty"`
}

// ProviderAllowed reports whether p passes the allowlist. An unset list
// allows every provider.
func (s *ProjectSettings) ProviderAllowed(p Provider) bool {
	if s == nil || len(s.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range s.AllowedProviders {
		if allowed == p {
			return true
		}
	}
	return false
}

// Project is the unit of tenancy: members, embedded sealed credentials,
// policy overrides and usage counters.
type Project struct {
	ID          string               `bson:"_id" json:"id"`
	Name        string               `bson:"name" json:"name"`
	OwnerID     string               `bson:"ownerId" json:"ownerId"`
	Members     []ProjectMember      `bson:"members" json:"members"`
	Credentials []ProviderCredential `bson:"credentials,omitempty" json:"credentials,omitempty"`
	Settings    ProjectSettings      `bson:"settings" json:"settings"`
	Usage       ProjectUsage         `bson:"usage" json:"usage"`
	CreatedAt   time.Time            `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt" json:"updatedAt"`
}

// ActiveCredential returns the first active credential for p in insertion
// order, or nil. Ties between multiple active entries are broken by position,
// which keeps the choice deterministic.
func (pr *Project) ActiveCredential(p Provider) *ProviderCredential {
	for i := range pr.Credentials {
		c := &pr.Credentials[i]
		if c.Active && c.Provider == p {
			return c
		}
	}
	return nil
}

// Member returns the membership entry for userID, or nil.
func (pr *Project) Member(userID string) *ProjectMember {
	for i := range pr.Members {
		if pr.Members[i].UserID == userID {
			return &pr.Members[i]
		}
	}
	return nil
}

// --- Tiers ---

// Tier selects default rate and quota policy when no override is set.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Tier infers the project's tier from its member count.
func (pr *Project) Tier() Tier {
	switch n := len(pr.Members); {
	case n <= 1:
		return TierFree
	case n <= 5:
		return TierPro
	default:
		return TierEnterprise
	}
}

// --- Usage records ---

// UsageRecord is one proxied-request accounting event. Persisted with a
// 90-day TTL.
type UsageRecord struct {
	ID               string            `bson:"_id" json:"id"`
	UserID           string            `bson:"userId" json:"userId"`
	ProjectID        string            `bson:"projectId,omitempty" json:"projectId,omitempty"`
	Provider         Provider          `bson:"provider" json:"provider"`
	Endpoint         string            `bson:"endpoint" json:"endpoint"`
	Method           string            `bson:"method" json:"method"`
	Model            string            `bson:"model,omitempty" json:"model,omitempty"`
	PromptTokens     int64             `bson:"promptTokens,omitempty" json:"promptTokens,omitempty"`
	CompletionTokens int64             `bson:"completionTokens,omitempty" json:"completionTokens,omitempty"`
	TotalTokens      int64             `bson:"totalTokens,omitempty" json:"totalTokens,omitempty"`
	Cost             *float64          `bson:"cost,omitempty" json:"cost,omitempty"` // nil when the model is unpriced
	ResponseTimeMs   int64             `bson:"responseTimeMs" json:"responseTimeMs"`
	StatusCode       int               `bson:"statusCode" json:"statusCode"`
	Timestamp        time.Time         `bson:"timestamp" json:"timestamp"`
	Metadata         map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// --- Audit log ---

// AuditStatus marks an audit entry outcome.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// AuditLog is one append-only audit event. Persisted with a 90-day TTL.
// Action follows the closed taxonomy: auth.*, api_key.*, project.*,
// project.member.*, user.*, api.*.
type AuditLog struct {
	ID           string         `bson:"_id" json:"id"`
	UserID       string         `bson:"userId,omitempty" json:"userId,omitempty"`
	Action       string         `bson:"action" json:"action"`
	ResourceType string         `bson:"resourceType" json:"resourceType"`
	ResourceID   string         `bson:"resourceId,omitempty" json:"resourceId,omitempty"`
	Details      map[string]any `bson:"details,omitempty" json:"details,omitempty"`
	ClientIP     string         `bson:"clientIp,omitempty" json:"clientIp,omitempty"`
	UserAgent    string         `bson:"userAgent,omitempty" json:"userAgent,omitempty"`
	Timestamp    time.Time      `bson:"timestamp" json:"timestamp"`
	Status       AuditStatus    `bson:"status" json:"status"`
	Error        string         `bson:"error,omitempty" json:"error,omitempty"`
}

// --- Principal ---

// AuthType distinguishes the two caller token schemes.
type AuthType string

const (
	AuthPAT      AuthType = "pat"
	AuthExternal AuthType = "external"
)

// Principal is the authenticated caller: the user plus, for PAT auth, the
// token that was presented.
type Principal struct {
	User     *User
	Token    *PersonalAccessToken // nil for external-identity auth
	AuthType AuthType
}

// HasScope reports whether the principal may exercise s. External-identity
// callers carry every scope except admin, which is PAT-only.
func (p *Principal) HasScope(s Scope) bool {
	if p.AuthType == AuthExternal {
		return s != ScopeAdmin
	}
	if p.Token == nil {
		return false
	}
	return p.Token.HasScope(s)
}

// --- Credential resolution ---

// KeySource records which tier of the credential fallback chain produced the
// upstream key.
type KeySource string

const (
	SourceProject KeySource = "project"
	SourceUser    KeySource = "user"
	SourceSystem  KeySource = "system"
)

// ResolvedCredential is a decrypted upstream credential plus its provenance.
type ResolvedCredential struct {
	Key    string
	Source KeySource
	KeyID  string
}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// RequestMeta bundles per-request values into a single context allocation.
// Later pipeline stages fill fields by mutating the same pointer, avoiding a
// context.WithValue per stage.
type RequestMeta struct {
	RequestID string
	Provider  Provider
	StartTime time.Time
	ClientIP  string
	Principal *Principal
	Project   *Project
	KeySource KeySource
	KeyID     string
}

// MetaFromContext returns the RequestMeta stored in ctx, or nil.
func MetaFromContext(ctx context.Context) *RequestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*RequestMeta)
	return m
}

// ContextWithMeta returns a context carrying m.
func ContextWithMeta(ctx context.Context, m *RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, m)
}

// PrincipalFromContext extracts the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := MetaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// RequestIDFromContext extracts the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := MetaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}
