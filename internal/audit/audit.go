// Package audit emits append-only audit events. Writes are best-effort: the
// recorder buffers and batch-flushes, and a full buffer drops rather than
// blocking a request.
package audit

import (
	"context"
	"net/http"
	"time"

	guard "github.com/eugener/aiguard/internal"
)

// Administrative action names. Proxied requests use "api.<method>".
const (
	ActionAuthFailed    = "auth.failed"
	ActionTokenCreated  = "api_key.created"
	ActionTokenRotated  = "api_key.rotated"
	ActionTokenRevoked  = "api_key.revoked"
	ActionProjectCreate = "project.created"
	ActionProjectUpdate = "project.updated"
	ActionProjectDelete = "project.deleted"
	ActionMemberAdded   = "project.member.added"
	ActionMemberRemoved = "project.member.removed"
	ActionCredentialAdd = "project.credential.added"
	ActionCredentialDel = "project.credential.removed"
	ActionKeyRotation   = "project.credential.rotated"
	ActionUserUpdated   = "user.updated"
	ActionUserDeleted   = "user.deleted"
)

// Recorder accepts audit entries for asynchronous persistence.
type Recorder interface {
	RecordAudit(guard.AuditLog)
}

// Writer builds audit entries with request context attached.
type Writer struct {
	recorder Recorder
}

// NewWriter wraps a recorder.
func NewWriter(recorder Recorder) *Writer {
	return &Writer{recorder: recorder}
}

// Event writes one administrative audit entry.
func (w *Writer) Event(ctx context.Context, r *http.Request, action, resourceType, resourceID string, status guard.AuditStatus, details map[string]any) {
	entry := guard.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	}
	if meta := guard.MetaFromContext(ctx); meta != nil {
		entry.ClientIP = meta.ClientIP
		if meta.Principal != nil {
			entry.UserID = meta.Principal.User.ID
		}
	}
	if r != nil {
		entry.UserAgent = r.UserAgent()
	}
	w.recorder.RecordAudit(entry)
}

// Request writes the per-proxied-request entry, action "api.<method>".
func (w *Writer) Request(ctx context.Context, r *http.Request, status int, errMsg string) {
	entry := guard.AuditLog{
		Action:       "api." + r.Method,
		ResourceType: "api_request",
		ResourceID:   r.URL.Path,
		Status:       guard.AuditSuccess,
		Timestamp:    time.Now().UTC(),
		UserAgent:    r.UserAgent(),
		Details:      map[string]any{"statusCode": status},
	}
	if status >= 400 {
		entry.Status = guard.AuditFailure
		entry.Error = errMsg
	}
	if meta := guard.MetaFromContext(ctx); meta != nil {
		entry.ClientIP = meta.ClientIP
		entry.Details["requestId"] = meta.RequestID
		if meta.Provider != "" {
			entry.Details["provider"] = string(meta.Provider)
		}
		if meta.Principal != nil {
			entry.UserID = meta.Principal.User.ID
		}
	}
	w.recorder.RecordAudit(entry)
}
