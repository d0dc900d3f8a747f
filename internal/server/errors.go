package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/validate"
)

// errorBody is the wire form of every error the proxy emits.
type errorBody struct {
	Type        guard.ErrorKind `json:"type"`
	Message     string          `json:"message"`
	Details     any             `json:"details,omitempty"`
	StatusCode  int             `json:"statusCode"`
	Timestamp   time.Time       `json:"timestamp"`
	Path        string          `json:"path"`
	Method      string          `json:"method"`
	RequestID   string          `json:"requestId,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// detailedError carries structured envelope details alongside a sentinel
// chain. Unwrap keeps errors.Is classification intact.
type detailedError struct {
	err     error
	details map[string]any
}

func (e *detailedError) Error() string { return e.err.Error() }
func (e *detailedError) Unwrap() error { return e.err }

func withDetails(err error, details map[string]any) error {
	return &detailedError{err: err, details: details}
}

// writeError renders err as the JSON error envelope. Callers that already
// started the response must not call this.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := guard.Kind(err)
	body := errorBody{
		Type:       kind,
		Message:    err.Error(),
		StatusCode: guard.StatusFor(err),
		Timestamp:  time.Now().UTC(),
		Path:       r.URL.Path,
		Method:     r.Method,
		RequestID:  guard.RequestIDFromContext(r.Context()),
	}

	var verr *validate.Error
	var derr *detailedError
	switch {
	case errors.As(err, &verr):
		body.Details = map[string]any{"fields": verr.Details}
	case errors.As(err, &derr):
		body.Details = derr.details
	}
	body.Suggestions = suggestions(kind)

	writeJSON(w, body.StatusCode, errorEnvelope{Error: body})
}

func suggestions(kind guard.ErrorKind) []string {
	switch kind {
	case guard.KindAuthError:
		return []string{"pass a personal access token or identity token in the Authorization header"}
	case guard.KindInvalidProvider:
		return []string{"set X-AI-Guard-Provider to one of: openai, anthropic, gemini"}
	case guard.KindRateLimitExceeded:
		return []string{"retry after the delay indicated by Retry-After"}
	case guard.KindQuotaExceeded:
		return []string{"raise the project quota or wait for the counter reset"}
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
