package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/provider"
	"github.com/eugener/aiguard/internal/ratelimit"
	"github.com/eugener/aiguard/internal/usage"
)

// providerHeader routes the request to an upstream; projectHeader optionally
// pins a tenancy context.
const (
	providerHeader = "X-AI-Guard-Provider"
	projectHeader  = "X-AI-Guard-Project"
)

// handleProxy is the pipeline entry point for every non-management request.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta := guard.MetaFromContext(ctx)

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveRequests.Inc()
		defer s.deps.Metrics.ActiveRequests.Dec()
	}

	// Provider routing header is mandatory.
	tag := r.Header.Get(providerHeader)
	if tag == "" {
		writeError(w, r, fmt.Errorf("%w: missing %s header", guard.ErrInvalidRequest, providerHeader))
		return
	}
	entry, err := provider.Lookup(tag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	meta.Provider = entry.Provider

	// Authentication.
	principal, err := s.deps.Auth.Authenticate(ctx, r)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.AuthFailures.Inc()
		}
		s.finishRejected(w, r, err)
		return
	}
	meta.Principal = principal

	// Proxied writes need api:write, reads api:read.
	scope := guard.ScopeAPIWrite
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		scope = guard.ScopeAPIRead
	}
	if !principal.HasScope(scope) {
		s.finishRejected(w, r, fmt.Errorf("%w: token lacks %s", guard.ErrForbidden, scope))
		return
	}

	// Body is consumed once here; validation and forwarding replay the bytes.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxRequestSize))
	if err != nil {
		s.finishRejected(w, r, fmt.Errorf("%w: body exceeds configured limit", guard.ErrPayloadTooLarge))
		return
	}

	// Validation: safety screen, then the per-route schema.
	if err := s.deps.Validator.Validate(meta.Provider, r.Method, r.URL.Path, body); err != nil {
		s.finishRejected(w, r, err)
		return
	}

	// Tenancy context: explicit hint, else the caller's default project.
	hinted, err := s.projectContext(r, meta)
	if err != nil {
		s.finishRejected(w, r, err)
		return
	}
	if meta.Project != nil && !meta.Project.Settings.ProviderAllowed(meta.Provider) {
		s.finishRejected(w, r, fmt.Errorf("%w: provider %q not allowed for project %s", guard.ErrForbidden, meta.Provider, meta.Project.ID))
		return
	}

	// Rate limit.
	limit := ratelimit.RateLimitFor(meta.Project)
	res, err := s.deps.Limiter.Allow(ctx, ratelimit.Key(principal, meta.ClientIP), limit)
	if err != nil {
		// Limiter backends fail open themselves; an error here is a bug.
		slog.LogAttrs(ctx, slog.LevelError, "rate limiter error",
			slog.String("error", err.Error()),
		)
		res = ratelimit.Result{Allowed: true, Limit: limit, Remaining: limit}
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	if !res.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues("window").Inc()
		}
		retry := time.Until(res.Reset).Seconds()
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.Itoa(int(retry)))
		s.finishRejected(w, r, guard.ErrRateLimited)
		return
	}

	// Quota admission against the rolling counters.
	q := ratelimit.CheckQuota(meta.Project)
	if meta.Project != nil {
		h.Set("X-Quota-Daily-Limit", strconv.FormatInt(q.DailyLimit, 10))
		h.Set("X-Quota-Daily-Remaining", strconv.FormatInt(q.DailyRemaining(), 10))
		h.Set("X-Quota-Monthly-Limit", strconv.FormatInt(q.MonthlyLimit, 10))
		h.Set("X-Quota-Monthly-Remaining", strconv.FormatInt(q.MonthlyRemaining(), 10))
		if q.Warning {
			h.Set("X-Quota-Warning", "approaching quota limit")
		}
	}
	if !q.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QuotaRejects.WithLabelValues(q.Denied).Inc()
		}
		s.finishRejected(w, r, withDetails(
			fmt.Errorf("%w: %s quota exhausted", guard.ErrQuotaExceeded, q.Denied),
			map[string]any{"quotaType": q.Denied},
		))
		return
	}

	// Credential resolution. The hinted project carries project provenance;
	// the default-project tier is walked inside the resolver.
	cred, err := s.deps.Resolver.Resolve(ctx, principal, hinted, meta.Provider)
	if err != nil {
		s.finishRejected(w, r, err)
		return
	}
	meta.KeySource = cred.Source
	meta.KeyID = cred.KeyID
	if s.deps.Metrics != nil {
		s.deps.Metrics.CredentialSource.WithLabelValues(string(cred.Source)).Inc()
	}

	// Forward.
	out, err := s.deps.Forwarder.ForwardBody(ctx, w, r, entry, cred, body)
	if err != nil {
		if out == nil || !out.HeaderWritten {
			s.finishRejected(w, r, err)
			return
		}
		// The response already started; all we can do is log and account.
		slog.LogAttrs(ctx, slog.LevelError, "relay aborted mid-response",
			slog.String("error", err.Error()),
			slog.String("request_id", meta.RequestID),
		)
	}
	if out == nil {
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, string(meta.Provider), strconv.Itoa(out.StatusCode)).Inc()
		s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, string(meta.Provider)).Observe(out.Duration.Seconds())
		if out.StatusCode >= 500 {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(string(meta.Provider), strconv.Itoa(out.StatusCode)).Inc()
		}
	}

	// Accounting and audit are post-response and must never fail it.
	s.deps.Tracker.Track(ctx, usage.Event{
		Meta:         meta,
		Method:       r.Method,
		Path:         r.URL.Path,
		Status:       out.StatusCode,
		Duration:     out.Duration,
		RequestBody:  body,
		ResponseBody: out.Body,
	})
	s.deps.Audit.Request(ctx, r, out.StatusCode, "")
}

// projectContext loads the request's project. The explicit hint must belong
// to the caller; the fallback is the caller's default project when set.
// Returns the hinted project (nil when defaulted) for credential provenance.
func (s *server) projectContext(r *http.Request, meta *guard.RequestMeta) (*guard.Project, error) {
	id := r.Header.Get(projectHeader)
	if id == "" {
		id = r.URL.Query().Get("project")
	}

	if id != "" {
		p, err := s.project(r.Context(), id)
		if err != nil {
			if errors.Is(err, guard.ErrNotFound) {
				return nil, fmt.Errorf("%w: project %s", guard.ErrNotFound, id)
			}
			return nil, err
		}
		if p.Member(meta.Principal.User.ID) == nil {
			return nil, fmt.Errorf("%w: not a member of project %s", guard.ErrForbidden, id)
		}
		meta.Project = p
		return p, nil
	}

	if def := meta.Principal.User.DefaultProjectID; def != "" {
		p, err := s.project(r.Context(), def)
		if err == nil {
			meta.Project = p
		}
		// A dangling default project is ignored; the request proceeds
		// unmetered and falls through to the system credential.
	}
	return nil, nil
}

// finishRejected writes the error envelope and audits the rejection.
func (s *server) finishRejected(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err)
	s.deps.Audit.Request(r.Context(), r, guard.StatusFor(err), err.Error())
}
