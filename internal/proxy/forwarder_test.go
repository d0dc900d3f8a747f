package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/provider"
)

func testEntry(t *testing.T, upstream string) *provider.Entry {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatal(err)
	}
	return &provider.Entry{
		Provider:   guard.ProviderAnthropic,
		Origin:     u,
		AuthHeader: "x-api-key",
		Headers:    map[string]string{"anthropic-version": "2023-06-01"},
	}
}

func testForwarder(opts Options) *Forwarder {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return New(&http.Client{}, opts, nil)
}

func TestForwardBuffered(t *testing.T) {
	t.Parallel()

	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer upstream.Close()

	f := testForwarder(Options{})
	entry := testEntry(t, upstream.URL)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages?beta=true", strings.NewReader(`{"model":"claude-3"}`))
	r.Header.Set("Authorization", "Bearer pat_secret")
	r.Header.Set("X-AI-Guard-Provider", "anthropic")
	r.Header.Set("User-Agent", "curl/8")
	r.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	out, err := f.Forward(context.Background(), w, r, entry, &guard.ResolvedCredential{Key: "sk-up"})
	if err != nil {
		t.Fatal(err)
	}

	if out.StatusCode != http.StatusOK || out.Streamed {
		t.Errorf("outcome = %+v", out)
	}
	if string(out.Body) != `{"id":"msg_1"}` {
		t.Errorf("captured body = %q", out.Body)
	}
	if w.Body.String() != `{"id":"msg_1"}` {
		t.Errorf("relayed body = %q", w.Body.String())
	}

	// Upstream auth and constant headers are injected, caller auth and
	// client noise stripped.
	if got.Header.Get("x-api-key") != "sk-up" {
		t.Errorf("x-api-key = %q", got.Header.Get("x-api-key"))
	}
	if got.Header.Get("anthropic-version") != "2023-06-01" {
		t.Error("constant header missing")
	}
	if got.Header.Get("Authorization") != "" {
		t.Error("caller authorization leaked upstream")
	}
	if got.Header.Get("X-AI-Guard-Provider") != "" {
		t.Error("routing header leaked upstream")
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Error("content type not preserved")
	}
	if got.URL.Query().Get("beta") != "true" {
		t.Error("caller query dropped")
	}
}

func TestForwardConstantQueryWins(t *testing.T) {
	t.Parallel()

	var query url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
	}))
	defer upstream.Close()

	entry := testEntry(t, upstream.URL)
	entry.Query = map[string]string{"alt": "sse"}

	f := testForwarder(Options{})
	r := httptest.NewRequest(http.MethodPost, "/v1/x?alt=json&keep=1", strings.NewReader(`{}`))
	if _, err := f.Forward(context.Background(), httptest.NewRecorder(), r, entry, &guard.ResolvedCredential{Key: "k"}); err != nil {
		t.Fatal(err)
	}
	if query.Get("alt") != "sse" {
		t.Errorf("alt = %q, want constant to win", query.Get("alt"))
	}
	if query.Get("keep") != "1" {
		t.Error("unrelated caller param dropped")
	}
}

func TestForwardStreaming(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range []string{"data: one\n\n", "data: two\n\n", "data: [DONE]\n\n"} {
			w.Write([]byte(chunk))
			fl.Flush()
		}
	}))
	defer upstream.Close()

	f := testForwarder(Options{})
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"stream":true}`))

	w := httptest.NewRecorder()
	out, err := f.Forward(context.Background(), w, r, testEntry(t, upstream.URL), &guard.ResolvedCredential{Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Streamed {
		t.Error("stream not detected")
	}
	want := "data: one\n\ndata: two\n\ndata: [DONE]\n\n"
	if w.Body.String() != want {
		t.Errorf("relayed = %q", w.Body.String())
	}
	if string(out.Body) != want {
		t.Errorf("captured = %q", out.Body)
	}
	if !w.Flushed {
		t.Error("response never flushed")
	}
}

func TestIsStreaming(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if IsStreaming(r, []byte(`{"stream":false}`)) {
		t.Error("stream:false detected as streaming")
	}
	if !IsStreaming(r, []byte(`{"stream":true}`)) {
		t.Error("stream:true not detected")
	}
	r.Header.Set("Accept", "text/event-stream")
	if !IsStreaming(r, nil) {
		t.Error("SSE accept not detected")
	}
}

func TestForwardRetriesIdempotent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := testForwarder(Options{MaxRetries: 3})
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	out, err := f.Forward(context.Background(), httptest.NewRecorder(), r, testEntry(t, upstream.URL), &guard.ResolvedCredential{Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("status = %d", out.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("upstream calls = %d, want 3", calls.Load())
	}
}

func TestForwardNoRetryNonIdempotent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := testForwarder(Options{MaxRetries: 3})
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))

	out, err := f.Forward(context.Background(), httptest.NewRecorder(), r, testEntry(t, upstream.URL), &guard.ResolvedCredential{Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	// The 500 is relayed as-is; POST bodies are not replayed on 5xx.
	if out.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", out.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestForwardStreamOutlivesTimeout(t *testing.T) {
	t.Parallel()

	// A healthy generation can take far longer than the per-attempt timeout;
	// once headers are up the deadline must not cut the stream.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		w.Write([]byte("data: one\n\n"))
		fl.Flush()
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("data: [DONE]\n\n"))
		fl.Flush()
	}))
	defer upstream.Close()

	f := testForwarder(Options{Timeout: 100 * time.Millisecond, MaxRetries: 1})
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"stream":true}`))

	w := httptest.NewRecorder()
	out, err := f.Forward(context.Background(), w, r, testEntry(t, upstream.URL), &guard.ResolvedCredential{Key: "k"})
	if err != nil {
		t.Fatalf("stream cut short: %v", err)
	}
	if !out.Streamed {
		t.Error("stream not detected")
	}
	want := "data: one\n\ndata: [DONE]\n\n"
	if w.Body.String() != want {
		t.Errorf("relayed = %q", w.Body.String())
	}
}

func TestForwardTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	f := testForwarder(Options{Timeout: 50 * time.Millisecond, MaxRetries: 1})
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))

	_, err := f.Forward(context.Background(), httptest.NewRecorder(), r, testEntry(t, upstream.URL), &guard.ResolvedCredential{Key: "k"})
	if !errors.Is(err, guard.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestForwardTransportError(t *testing.T) {
	t.Parallel()

	// A closed listener: connection refused on every attempt.
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	f := testForwarder(Options{MaxRetries: 2})
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))

	_, err := f.Forward(context.Background(), httptest.NewRecorder(), r, testEntry(t, addr), &guard.ResolvedCredential{Key: "k"})
	if !errors.Is(err, guard.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestForwardBodyReplayedAcrossRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var lastBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := testForwarder(Options{MaxRetries: 2})
	r := httptest.NewRequest(http.MethodPut, "/v1/things/1", strings.NewReader(`{"v":1}`))

	out, err := f.Forward(context.Background(), httptest.NewRecorder(), r, testEntry(t, upstream.URL), &guard.ResolvedCredential{Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("status = %d", out.StatusCode)
	}
	if lastBody.Load() != `{"v":1}` {
		t.Errorf("retried body = %q", lastBody.Load())
	}
}
