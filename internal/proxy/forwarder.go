// Package proxy forwards validated requests to upstream providers. It owns
// URL and header composition, streaming passthrough, per-attempt timeouts
// with bounded retries, and a circuit breaker per provider.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/provider"
)

const (
	// maxBufferedResponse caps buffered upstream bodies.
	maxBufferedResponse = 32 << 20
	// maxCapturedStream caps how much of a stream is retained for usage
	// extraction after the terminal event.
	maxCapturedStream = 1 << 20

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// droppedRequestHeaders never reach the upstream. Auth and identity headers
// are re-derived; the rest are transport noise from common clients.
var droppedRequestHeaders = map[string]struct{}{
	"Host":                {},
	"X-Ai-Guard-Provider": {},
	"X-Ai-Guard-Project":  {},
	"Authorization":       {},
	"Connection":          {},
	"Content-Length":      {},
	"User-Agent":          {},
	"Accept-Encoding":     {},
	"Postman-Token":       {},
	"Cache-Control":       {},
	"Pragma":              {},
}

// droppedResponseHeaders are hop-by-hop and must not be relayed downstream.
var droppedResponseHeaders = map[string]struct{}{
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// Outcome describes one completed forward for the accounting stages.
type Outcome struct {
	StatusCode int
	Streamed   bool
	// Body holds the upstream response body: complete for buffered
	// responses, a capped prefix for streams.
	Body     []byte
	Duration time.Duration
	// HeaderWritten reports whether the downstream response has begun; once
	// true the caller must not write an error envelope.
	HeaderWritten bool
}

// Options tune the forwarder; zero values select the defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Forwarder proxies requests to provider upstreams.
type Forwarder struct {
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	breakers   map[guard.Provider]*gobreaker.CircuitBreaker
	log        *slog.Logger
}

// New builds a Forwarder around client, which should carry a pooled
// transport (see provider.NewTransport).
func New(client *http.Client, opts Options, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	breakers := make(map[guard.Provider]*gobreaker.CircuitBreaker, len(guard.Providers()))
	for _, p := range guard.Providers() {
		breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(p),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}

	return &Forwarder{
		client:     client,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		breakers:   breakers,
		log:        log,
	}
}

// IsStreaming reports whether the request wants a streamed response: an SSE
// or NDJSON Accept header, or stream:true in the JSON body.
func IsStreaming(r *http.Request, body []byte) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "application/x-ndjson") {
		return true
	}
	return gjson.GetBytes(body, "stream").Bool()
}

// Forward proxies one request. body is the already-read request body; it is
// replayed per attempt. On a nil error the downstream response is complete.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, entry *provider.Entry, cred *guard.ResolvedCredential) (*Outcome, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read request body: %v", guard.ErrInvalidRequest, err)
	}
	return f.ForwardBody(ctx, w, r, entry, cred, body)
}

// ForwardBody is Forward for callers that already drained the request body.
func (f *Forwarder) ForwardBody(ctx context.Context, w http.ResponseWriter, r *http.Request, entry *provider.Entry, cred *guard.ResolvedCredential, body []byte) (*Outcome, error) {
	start := time.Now()
	streaming := IsStreaming(r, body)

	target := f.composeURL(entry, r)
	headers := f.composeHeaders(entry, r, cred)

	resp, err := f.attempt(ctx, entry.Provider, r.Method, target, headers, body, streaming)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, drop := droppedResponseHeaders[key]; drop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	out := &Outcome{
		StatusCode:    resp.StatusCode,
		Streamed:      streaming,
		HeaderWritten: true,
	}

	if streaming {
		err = f.pipe(w, resp.Body, out)
	} else {
		out.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
		if err == nil {
			_, err = w.Write(out.Body)
		}
	}
	out.Duration = time.Since(start)
	if err != nil {
		return out, fmt.Errorf("%w: relay response: %v", guard.ErrNetwork, err)
	}
	return out, nil
}

// attempt runs the bounded retry loop. Only transport failures and, for
// idempotent methods, 5xx responses are retried. Streams are safe to retry
// here because nothing has been written downstream yet.
//
// The per-attempt timeout bounds time-to-response-headers. For buffered
// responses it stays armed through the body read; for streams it is disarmed
// once headers arrive — a healthy generation can legitimately outlive any
// fixed timeout, and an active pipe ends only on upstream close or
// downstream disconnect.
func (f *Forwarder) attempt(ctx context.Context, p guard.Provider, method, target string, headers http.Header, body []byte, streaming bool) (*http.Response, error) {
	breaker := f.breakers[p]

	var lastErr error
	var timedOut bool
	for i := 0; i < f.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", guard.ErrTimeout, ctx.Err())
			case <-time.After(time.Duration(i) * f.retryDelay):
			}
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		var expired atomic.Bool
		timer := time.AfterFunc(f.timeout, func() {
			expired.Store(true)
			cancel()
		})

		res, err := breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(attemptCtx, method, target, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header = headers.Clone()
			req.ContentLength = int64(len(body))

			resp, err := f.client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 && idempotent(method) {
				resp.Body.Close()
				return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
			}
			return resp, nil
		})
		if err == nil {
			resp := res.(*http.Response)
			if streaming {
				timer.Stop()
			}
			// The attempt context must outlive the body read; tie its
			// cancellation to body close instead of cancelling here.
			resp.Body = &cancelReadCloser{rc: resp.Body, timer: timer, cancel: cancel}
			return resp, nil
		}
		timer.Stop()
		cancel()
		if expired.Load() {
			timedOut = true
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open for %s", guard.ErrUpstream, p)
		}
		f.log.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
			slog.String("provider", string(p)),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
		)
	}

	if timedOut || errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s did not respond within %s", guard.ErrTimeout, p, f.timeout)
	}
	return nil, fmt.Errorf("%w: %v", guard.ErrNetwork, lastErr)
}

// pipe relays a stream flush-on-read, capturing a capped prefix for usage
// extraction.
func (f *Forwarder) pipe(w http.ResponseWriter, upstream io.Reader, out *Outcome) error {
	flusher, canFlush := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if len(out.Body) < maxCapturedStream {
				keep := n
				if len(out.Body)+keep > maxCapturedStream {
					keep = maxCapturedStream - len(out.Body)
				}
				out.Body = append(out.Body, buf[:keep]...)
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

func (f *Forwarder) composeURL(entry *provider.Entry, r *http.Request) string {
	u := *entry.Origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath

	q, _ := url.ParseQuery(r.URL.RawQuery)
	for k, v := range entry.Query {
		q.Set(k, v) // constants win ties
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *Forwarder) composeHeaders(entry *provider.Entry, r *http.Request, cred *guard.ResolvedCredential) http.Header {
	h := make(http.Header, len(r.Header))
	for key, vals := range r.Header {
		if _, drop := droppedRequestHeaders[http.CanonicalHeaderKey(key)]; drop {
			continue
		}
		h[key] = vals
	}
	for k, v := range entry.Headers {
		if h.Get(k) == "" {
			h.Set(k, v)
		}
	}
	// The Host header follows the target URL, so the origin's host is sent
	// automatically.
	h.Set(entry.AuthHeader, entry.AuthValue(cred.Key))
	return h
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	timer  *time.Timer
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.timer.Stop()
	c.cancel()
	return err
}
