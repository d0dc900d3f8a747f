package server

import (
	"crypto/rand"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	guard "github.com/eugener/aiguard/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeError(w, r, guard.ErrDatabase) // generic 500 without leaking internals
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-Id"

const requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newRequestID returns a 16-character alphanumeric identifier.
func newRequestID() string {
	var buf [16]byte
	rand.Read(buf[:]) //nolint:errcheck
	for i, b := range buf {
		buf[i] = requestIDAlphabet[int(b)%len(requestIDAlphabet)]
	}
	return string(buf[:])
}

// requestMeta seeds the per-request meta struct. Downstream stages fill the
// remaining fields by mutating the same pointer, so this is the only
// context allocation on the hot path.
func (s *server) requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header()[requestIDHeader] = []string{id}

		meta := &guard.RequestMeta{
			RequestID: id,
			StartTime: time.Now(),
			ClientIP:  clientIP(r),
		}
		next.ServeHTTP(w, r.WithContext(guard.ContextWithMeta(r.Context(), meta)))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", guard.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// authenticate resolves the principal and stores it on the request meta by
// mutation; no new context is allocated.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.AuthFailures.Inc()
			}
			writeError(w, r, err)
			return
		}
		if meta := guard.MetaFromContext(r.Context()); meta != nil {
			meta.Principal = principal
		}
		next.ServeHTTP(w, r)
	})
}

// requireScope rejects principals lacking the scope.
func (s *server) requireScope(scope guard.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := guard.PrincipalFromContext(r.Context())
			if p == nil || !p.HasScope(scope) {
				writeError(w, r, guard.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminOnly admits either the X-Admin-Key deployment override or an
// admin-scoped PAT. It authenticates the bearer token itself, so the key
// path works without any Authorization header at all.
func (s *server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminKey != "" {
			key := r.Header.Get("X-Admin-Key")
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.deps.AdminKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		principal, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.AuthFailures.Inc()
			}
			writeError(w, r, err)
			return
		}
		if !principal.HasScope(guard.ScopeAdmin) {
			writeError(w, r, guard.ErrForbidden)
			return
		}
		if meta := guard.MetaFromContext(r.Context()); meta != nil {
			meta.Principal = principal
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher. This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing
// http.ResponseController and similar utilities to find interface
// implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
