package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/audit"
	"github.com/eugener/aiguard/internal/token"
)

// mountManagement wires the /_api tree. The caller is already authenticated;
// scope checks are per-route.
func (s *server) mountManagement(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.With(s.requireScope(guard.ScopeUsersRead)).Get("/profile", s.handleGetProfile)
		r.With(s.requireScope(guard.ScopeUsersWrite)).Put("/profile", s.handleUpdateProfile)
		r.With(s.requireScope(guard.ScopeUsersWrite)).Delete("/account", s.handleDeleteAccount)

		r.Route("/tokens", func(r chi.Router) {
			r.With(s.requireScope(guard.ScopeUsersRead)).Get("/", s.handleListTokens)
			r.With(s.requireScope(guard.ScopeUsersWrite)).Post("/", s.handleCreateToken)
			r.With(s.requireScope(guard.ScopeUsersWrite)).Delete("/{id}", s.handleRevokeToken)
			r.With(s.requireScope(guard.ScopeUsersWrite)).Post("/{id}/rotate", s.handleRotateToken)
		})
	})

	r.Route("/projects", func(r chi.Router) {
		r.With(s.requireScope(guard.ScopeProjectsRead)).Get("/", s.handleListProjects)
		r.With(s.requireScope(guard.ScopeProjectsWrite)).Post("/", s.handleCreateProject)

		r.Route("/{id}", func(r chi.Router) {
			r.With(s.requireScope(guard.ScopeProjectsRead)).Get("/", s.handleGetProject)
			r.With(s.requireScope(guard.ScopeProjectsWrite)).Delete("/", s.handleDeleteProject)

			r.With(s.requireScope(guard.ScopeProjectsWrite)).Post("/keys", s.handleAddCredential)
			r.With(s.requireScope(guard.ScopeProjectsWrite)).Delete("/keys/{keyId}", s.handleRemoveCredential)
			r.With(s.requireScope(guard.ScopeProjectsWrite)).Post("/keys/{keyId}/rotate", s.handleRotateCredential)

			r.With(s.requireScope(guard.ScopeProjectsWrite)).Post("/members", s.handleAddMember)
			r.With(s.requireScope(guard.ScopeProjectsWrite)).Delete("/members/{userId}", s.handleRemoveMember)

			r.With(s.requireScope(guard.ScopeProjectsRead)).Get("/usage", s.handleProjectUsage)
			r.With(s.requireScope(guard.ScopeProjectsRead)).Get("/quota", s.handleGetQuota)
			r.With(s.requireScope(guard.ScopeProjectsWrite)).Put("/quota", s.handleUpdateQuota)
		})
	})

}

// mountAdmin wires the /_api/admin tree. The adminOnly middleware has already
// admitted the caller.
func (s *server) mountAdmin(r chi.Router) {
	r.Get("/users/{id}", s.handleAdminGetUser)
	r.Put("/users/{id}/status", s.handleAdminSetUserStatus)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", guard.ErrInvalidRequest)
	}
	return nil
}

// --- Users ---

func (s *server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, p.User)
}

func (s *server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName      *string `json:"displayName"`
		DefaultProjectID *string `json:"defaultProjectId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p := guard.PrincipalFromContext(r.Context())
	u := *p.User
	if req.DisplayName != nil {
		u.DisplayName = *req.DisplayName
	}
	if req.DefaultProjectID != nil {
		if *req.DefaultProjectID != "" {
			proj, err := s.project(r.Context(), *req.DefaultProjectID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if proj.Member(u.ID) == nil {
				writeError(w, r, fmt.Errorf("%w: not a member of project %s", guard.ErrForbidden, proj.ID))
				return
			}
		}
		u.DefaultProjectID = *req.DefaultProjectID
	}
	u.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateUser(r.Context(), &u); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionUserUpdated, "user", u.ID, guard.AuditSuccess, nil)
	writeJSON(w, http.StatusOK, &u)
}

// handleDeleteAccount soft-deletes the caller and revokes every PAT.
func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFromContext(r.Context())

	u := *p.User
	u.Status = guard.UserDeleted
	u.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.UpdateUser(r.Context(), &u); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.RevokeUserTokens(r.Context(), u.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionUserDeleted, "user", u.ID, guard.AuditSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Tokens ---

func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFromContext(r.Context())
	tokens, err := s.deps.Store.ListTokens(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string        `json:"name"`
		Scopes    []guard.Scope `json:"scopes"`
		ProjectID string        `json:"projectId"`
		ExpiresAt *time.Time    `json:"expiresAt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, fmt.Errorf("%w: token name is required", guard.ErrInvalidRequest))
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []guard.Scope{guard.ScopeAPIRead, guard.ScopeAPIWrite}
	}
	for _, sc := range req.Scopes {
		if !guard.ValidScope(sc) {
			writeError(w, r, fmt.Errorf("%w: unknown scope %q", guard.ErrInvalidRequest, sc))
			return
		}
	}
	p := guard.PrincipalFromContext(r.Context())
	// Only an admin-scoped caller may mint another admin token.
	for _, sc := range req.Scopes {
		if sc == guard.ScopeAdmin && !p.HasScope(guard.ScopeAdmin) {
			writeError(w, r, fmt.Errorf("%w: admin scope requires an admin token", guard.ErrForbidden))
			return
		}
	}

	tok, err := token.New()
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	pat := &guard.PersonalAccessToken{
		ID:        tok.ID,
		TokenHash: tok.Hash,
		UserID:    p.User.ID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateToken(r.Context(), pat); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionTokenCreated, "personal_access_token", pat.ID, guard.AuditSuccess,
		map[string]any{"name": pat.Name})

	// The raw secret is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     tok.Raw,
		"id":        pat.ID,
		"name":      pat.Name,
		"scopes":    pat.Scopes,
		"expiresAt": pat.ExpiresAt,
	})
}

// ownToken loads a token and checks it belongs to the caller.
func (s *server) ownToken(r *http.Request, id string) (*guard.PersonalAccessToken, error) {
	t, err := s.deps.Store.GetToken(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p := guard.PrincipalFromContext(r.Context())
	if t.UserID != p.User.ID {
		// Do not reveal that the token exists.
		return nil, fmt.Errorf("%w: token %s", guard.ErrNotFound, id)
	}
	return t, nil
}

func (s *server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownToken(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.RevokeToken(r.Context(), t.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionTokenRevoked, "personal_access_token", t.ID, guard.AuditSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateToken swaps the secret, keeping name, scopes and expiry. The
// old wire string stops working immediately.
func (s *server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownToken(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if t.Revoked {
		writeError(w, r, fmt.Errorf("%w: token is revoked", guard.ErrConflict))
		return
	}

	next, err := token.New()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.ReplaceTokenSecret(r.Context(), t.ID, next.ID, next.Hash); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionTokenRotated, "personal_access_token", next.ID, guard.AuditSuccess,
		map[string]any{"previousId": t.ID})

	writeJSON(w, http.StatusOK, map[string]any{
		"token": next.Raw,
		"id":    next.ID,
		"name":  t.Name,
	})
}

// --- Projects ---

func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFromContext(r.Context())
	projects, err := s.deps.Store.ListProjectsForUser(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, fmt.Errorf("%w: project name is required", guard.ErrInvalidRequest))
		return
	}

	p := guard.PrincipalFromContext(r.Context())
	now := time.Now().UTC()
	proj := &guard.Project{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Name:    req.Name,
		OwnerID: p.User.ID,
		Members: []guard.ProjectMember{
			{UserID: p.User.ID, Role: guard.RoleOwner, AddedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateProject(r.Context(), proj); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionProjectCreate, "project", proj.ID, guard.AuditSuccess,
		map[string]any{"name": proj.Name})
	writeJSON(w, http.StatusCreated, proj)
}

// memberProject loads a project requiring the caller to hold one of roles
// (empty roles means any membership).
func (s *server) memberProject(r *http.Request, id string, roles ...guard.MemberRole) (*guard.Project, error) {
	proj, err := s.project(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p := guard.PrincipalFromContext(r.Context())
	m := proj.Member(p.User.ID)
	if m == nil {
		return nil, fmt.Errorf("%w: not a member of project %s", guard.ErrForbidden, id)
	}
	if len(roles) == 0 {
		return proj, nil
	}
	for _, role := range roles {
		if m.Role == role {
			return proj, nil
		}
	}
	return nil, fmt.Errorf("%w: requires role %v on project %s", guard.ErrForbidden, roles, id)
}

func (s *server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteProject(r.Context(), proj.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionProjectDelete, "project", proj.ID, guard.AuditSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Credentials ---

func (s *server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner, guard.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Provider string `json:"provider"`
		APIKey   string `json:"apiKey"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	prov, ok := guard.ParseProvider(req.Provider)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: %q", guard.ErrInvalidProvider, req.Provider))
		return
	}
	if req.APIKey == "" {
		writeError(w, r, fmt.Errorf("%w: apiKey is required", guard.ErrInvalidRequest))
		return
	}

	p := guard.PrincipalFromContext(r.Context())
	envelope, keyID, err := s.deps.Vault.Encrypt(req.APIKey, map[string]string{"provider": string(prov)})
	if err != nil {
		writeError(w, r, err)
		return
	}
	cred := guard.ProviderCredential{
		Provider:   prov,
		Ciphertext: envelope,
		KeyID:      keyID,
		Active:     true,
		AddedBy:    p.User.ID,
		AddedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.AddCredential(r.Context(), proj.ID, cred); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionCredentialAdd, "provider_credential", keyID, guard.AuditSuccess,
		map[string]any{"provider": string(prov), "projectId": proj.ID})

	// The plaintext key is never echoed back.
	writeJSON(w, http.StatusCreated, map[string]any{
		"keyId":    keyID,
		"provider": prov,
		"active":   true,
	})
}

// handleRotateCredential seals a replacement key under a fresh key id and
// retires the old envelope. Provider and provenance are preserved.
func (s *server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner, guard.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	oldKeyID := chi.URLParam(r, "keyId")
	var old *guard.ProviderCredential
	for i := range proj.Credentials {
		if proj.Credentials[i].KeyID == oldKeyID {
			old = &proj.Credentials[i]
			break
		}
	}
	if old == nil {
		writeError(w, r, fmt.Errorf("%w: credential %s", guard.ErrNotFound, oldKeyID))
		return
	}

	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, fmt.Errorf("%w: apiKey is required", guard.ErrInvalidRequest))
		return
	}

	p := guard.PrincipalFromContext(r.Context())
	envelope, keyID, err := s.deps.Vault.Encrypt(req.APIKey, map[string]string{"provider": string(old.Provider)})
	if err != nil {
		writeError(w, r, err)
		return
	}
	cred := guard.ProviderCredential{
		Provider:   old.Provider,
		Ciphertext: envelope,
		KeyID:      keyID,
		Active:     old.Active,
		AddedBy:    p.User.ID,
		AddedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.AddCredential(r.Context(), proj.ID, cred); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.RemoveCredential(r.Context(), proj.ID, oldKeyID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionKeyRotation, "provider_credential", keyID, guard.AuditSuccess,
		map[string]any{"projectId": proj.ID, "previousKeyId": oldKeyID})

	writeJSON(w, http.StatusOK, map[string]any{
		"keyId":    keyID,
		"provider": cred.Provider,
		"active":   cred.Active,
	})
}

func (s *server) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner, guard.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	keyID := chi.URLParam(r, "keyId")
	if err := s.deps.Store.RemoveCredential(r.Context(), proj.ID, keyID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionCredentialDel, "provider_credential", keyID, guard.AuditSuccess,
		map[string]any{"projectId": proj.ID})
	w.WriteHeader(http.StatusNoContent)
}

// --- Members ---

func (s *server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner, guard.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		UserID string           `json:"userId"`
		Role   guard.MemberRole `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = guard.RoleMember
	}
	if req.Role == guard.RoleOwner {
		writeError(w, r, fmt.Errorf("%w: ownership is not transferable here", guard.ErrInvalidRequest))
		return
	}
	if _, err := s.deps.Store.GetUser(r.Context(), req.UserID); err != nil {
		writeError(w, r, err)
		return
	}

	m := guard.ProjectMember{UserID: req.UserID, Role: req.Role, AddedAt: time.Now().UTC()}
	if err := s.deps.Store.AddMember(r.Context(), proj.ID, m); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionMemberAdded, "project_member", req.UserID, guard.AuditSuccess,
		map[string]any{"projectId": proj.ID, "role": string(req.Role)})
	writeJSON(w, http.StatusCreated, m)
}

func (s *server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner, guard.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "userId")
	if userID == proj.OwnerID {
		writeError(w, r, fmt.Errorf("%w: the owner cannot be removed", guard.ErrInvalidRequest))
		return
	}
	if err := s.deps.Store.RemoveMember(r.Context(), proj.ID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionMemberRemoved, "project_member", userID, guard.AuditSuccess,
		map[string]any{"projectId": proj.ID})
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage & quota ---

func (s *server) handleProjectUsage(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	since := time.Now().AddDate(0, -1, 0)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: since must be RFC3339", guard.ErrInvalidRequest))
			return
		}
		since = parsed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.deps.Store.ListProjectUsage(r.Context(), proj.ID, since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": proj.Usage,
		"records": records,
	})
}

func (s *server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaView(proj))
}

func (s *server) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	proj, err := s.memberProject(r, chi.URLParam(r, "id"), guard.RoleOwner, guard.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		RateLimitPerMin  *int     `json:"rateLimitPerMin"`
		QuotaDaily       *int64   `json:"quotaDaily"`
		QuotaMonthly     *int64   `json:"quotaMonthly"`
		AllowedProviders []string `json:"allowedProviders"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	settings := proj.Settings
	if req.RateLimitPerMin != nil {
		settings.RateLimitPerMin = req.RateLimitPerMin
	}
	if req.QuotaDaily != nil {
		settings.QuotaDaily = req.QuotaDaily
	}
	if req.QuotaMonthly != nil {
		settings.QuotaMonthly = req.QuotaMonthly
	}
	if req.AllowedProviders != nil {
		allowed := make([]guard.Provider, 0, len(req.AllowedProviders))
		for _, tag := range req.AllowedProviders {
			p, ok := guard.ParseProvider(tag)
			if !ok {
				writeError(w, r, fmt.Errorf("%w: %q", guard.ErrInvalidProvider, tag))
				return
			}
			allowed = append(allowed, p)
		}
		settings.AllowedProviders = allowed
	}

	if err := s.deps.Store.UpdateSettings(r.Context(), proj.ID, settings); err != nil {
		writeError(w, r, err)
		return
	}
	proj.Settings = settings
	s.deps.Audit.Event(r.Context(), r, audit.ActionProjectUpdate, "project", proj.ID, guard.AuditSuccess,
		map[string]any{"section": "quota"})
	writeJSON(w, http.StatusOK, quotaView(proj))
}

// --- Admin ---

func (s *server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleAdminSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status guard.UserStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	switch req.Status {
	case guard.UserActive, guard.UserSuspended, guard.UserDeleted:
	default:
		writeError(w, r, fmt.Errorf("%w: unknown status %q", guard.ErrInvalidRequest, req.Status))
		return
	}

	u, err := s.deps.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	u.Status = req.Status
	u.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Status != guard.UserActive {
		// Suspension cuts off every outstanding PAT.
		if err := s.deps.Store.RevokeUserTokens(r.Context(), u.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	s.deps.Audit.Event(r.Context(), r, audit.ActionUserUpdated, "user", u.ID, guard.AuditSuccess,
		map[string]any{"status": string(req.Status)})
	writeJSON(w, http.StatusOK, u)
}

func quotaView(proj *guard.Project) map[string]any {
	return map[string]any{
		"tier":     proj.Tier(),
		"settings": proj.Settings,
		"usage":    proj.Usage,
	}
}
