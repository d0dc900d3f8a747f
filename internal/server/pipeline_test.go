package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	guard "github.com/eugener/aiguard/internal"
)

const chatPath = "/v1/chat/completions"

func chatBody() string {
	return `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
}

func proxyRequest(raw, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, chatPath, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("X-AI-Guard-Provider", "openai")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	return env.Error
}

func TestProxyHappyPath(t *testing.T) {
	var gotAuth, gotProviderHeader string
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProviderHeader = r.Header.Get("X-AI-Guard-Provider")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	})
	raw := seedUser(t, e.store, "user-1")

	w := e.do(t, proxyRequest(raw, chatBody()))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if gotAuth != "Bearer sk-system-openai" {
		t.Errorf("upstream auth = %q", gotAuth)
	}
	if gotProviderHeader != "" {
		t.Errorf("routing header leaked upstream: %q", gotProviderHeader)
	}
	if !strings.Contains(w.Body.String(), `"total_tokens":30`) {
		t.Errorf("response not relayed: %s", w.Body.String())
	}

	id := w.Header().Get("X-Request-Id")
	if len(id) != 16 {
		t.Errorf("request id = %q, want 16 chars", id)
	}
	if w.Header().Get("X-RateLimit-Limit") == "" || w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("rate limit headers missing")
	}

	recs := e.recorder.usageRecords()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.TotalTokens != 30 || rec.Model != "gpt-4o" || rec.Provider != guard.ProviderOpenAI {
		t.Errorf("usage record = %+v", rec)
	}
	if rec.Cost == nil {
		t.Error("cost not computed for priced model")
	}

	audits := e.recorder.auditEntries()
	if len(audits) != 1 || audits[0].Action != "api.POST" || audits[0].Status != guard.AuditSuccess {
		t.Errorf("audit entries = %+v", audits)
	}
}

func TestProxyMissingProviderHeader(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	raw := seedUser(t, e.store, "user-1")

	req := proxyRequest(raw, chatBody())
	req.Header.Del("X-AI-Guard-Provider")
	w := e.do(t, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body.Type != guard.KindInvalidRequest {
		t.Errorf("type = %s", body.Type)
	}
	if body.Path != chatPath || body.Method != http.MethodPost || body.RequestID == "" {
		t.Errorf("envelope context = %+v", body)
	}
}

func TestProxyUnknownProvider(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	raw := seedUser(t, e.store, "user-1")

	req := proxyRequest(raw, chatBody())
	req.Header.Set("X-AI-Guard-Provider", "azure")
	w := e.do(t, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body.Type != guard.KindInvalidProvider {
		t.Errorf("type = %s", body.Type)
	}
	if len(body.Suggestions) == 0 {
		t.Error("expected provider suggestions")
	}
}

func TestProxyBadToken(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	seedUser(t, e.store, "user-1")

	w := e.do(t, proxyRequest("pat_0123456789abcdef_bogus", chatBody()))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeEnvelope(t, w); body.Type != guard.KindAuthError {
		t.Errorf("type = %s", body.Type)
	}
	audits := e.recorder.auditEntries()
	if len(audits) != 1 || audits[0].Status != guard.AuditFailure {
		t.Errorf("rejection not audited: %+v", audits)
	}
}

func TestProxyScopeEnforced(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1", guard.ScopeAPIRead) // write scope missing

	w := e.do(t, proxyRequest(raw, chatBody()))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxyValidationRejects(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1")

	// model missing
	w := e.do(t, proxyRequest(raw, `{"messages":[{"role":"user","content":"hi"}]}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeEnvelope(t, w)
	if body.Type != guard.KindInvalidRequest {
		t.Errorf("type = %s", body.Type)
	}
	if body.Details == nil {
		t.Error("expected field details")
	}
}

func TestProxyInjectionScreen(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1")

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"drop table users;"}]}`
	w := e.do(t, proxyRequest(raw, body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestProxyOversizedBody(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1")

	w := e.do(t, proxyRequest(raw, strings.Repeat("a", 2<<20)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeEnvelope(t, w); body.Type != guard.KindInvalidRequest {
		t.Errorf("type = %s", body.Type)
	}
}

func TestProxyRateLimit(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	raw := seedUser(t, e.store, "user-1")
	limit := 2
	seedProject(t, e.store, "proj-1", "user-1", guard.ProjectSettings{RateLimitPerMin: &limit})

	for i := 0; i < limit; i++ {
		req := proxyRequest(raw, chatBody())
		req.Header.Set("X-AI-Guard-Project", "proj-1")
		if w := e.do(t, req); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}

	req := proxyRequest(raw, chatBody())
	req.Header.Set("X-AI-Guard-Project", "proj-1")
	w := e.do(t, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeEnvelope(t, w); body.Type != guard.KindRateLimitExceeded {
		t.Errorf("type = %s", body.Type)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("remaining = %s", got)
	}
}

func TestProxyQuotaExhausted(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1")
	daily := int64(5)
	p := seedProject(t, e.store, "proj-1", "user-1", guard.ProjectSettings{QuotaDaily: &daily})
	p.Usage.CurrentDay.Requests = daily

	req := proxyRequest(raw, chatBody())
	req.Header.Set("X-AI-Guard-Project", "proj-1")
	w := e.do(t, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeEnvelope(t, w)
	if body.Type != guard.KindQuotaExceeded {
		t.Errorf("type = %s", body.Type)
	}
	details, _ := body.Details.(map[string]any)
	if details["quotaType"] != "daily" {
		t.Errorf("details = %v, want quotaType daily", body.Details)
	}
	if got := w.Header().Get("X-Quota-Daily-Remaining"); got != "0" {
		t.Errorf("daily remaining = %s", got)
	}
}

func TestProxyAllowlistBlocks(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1")
	seedProject(t, e.store, "proj-1", "user-1", guard.ProjectSettings{
		AllowedProviders: []guard.Provider{guard.ProviderAnthropic},
	})

	req := proxyRequest(raw, chatBody())
	req.Header.Set("X-AI-Guard-Project", "proj-1")
	w := e.do(t, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxyNonMemberProject(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	raw := seedUser(t, e.store, "user-1")
	seedProject(t, e.store, "proj-other", "someone-else", guard.ProjectSettings{})

	req := proxyRequest(raw, chatBody())
	req.Header.Set("X-AI-Guard-Project", "proj-other")
	w := e.do(t, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxyProjectCredentialWins(t *testing.T) {
	var gotAuth string
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{}`)
	})
	raw := seedUser(t, e.store, "user-1")
	p := seedProject(t, e.store, "proj-1", "user-1", guard.ProjectSettings{})

	envelope, keyID, err := e.vault.Encrypt("sk-project-key", nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	p.Credentials = append(p.Credentials, guard.ProviderCredential{
		Provider:   guard.ProviderOpenAI,
		Ciphertext: envelope,
		KeyID:      keyID,
		Active:     true,
	})

	req := proxyRequest(raw, chatBody())
	req.Header.Set("X-AI-Guard-Project", "proj-1")
	w := e.do(t, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if gotAuth != "Bearer sk-project-key" {
		t.Errorf("upstream auth = %q, want project key", gotAuth)
	}
	recs := e.recorder.usageRecords()
	if len(recs) != 1 || recs[0].Metadata["keySource"] != string(guard.SourceProject) {
		t.Errorf("usage provenance = %+v", recs)
	}
}

func streamChatBody() string {
	return `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
}

func TestProxyStreamingUsageRecorded(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range []string{
			`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n",
			`data: {"usage":{"prompt_tokens":7,"completion_tokens":5,"total_tokens":12}}` + "\n\n",
			"data: [DONE]\n\n",
		} {
			w.Write([]byte(frame))
			fl.Flush()
		}
	})
	raw := seedUser(t, e.store, "user-1")

	w := e.do(t, proxyRequest(raw, streamChatBody()))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Errorf("stream not relayed to completion: %s", w.Body.String())
	}

	// The terminal usage frame is accounted once the stream ends.
	recs := e.recorder.usageRecords()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.PromptTokens != 7 || rec.CompletionTokens != 5 || rec.TotalTokens != 12 {
		t.Errorf("usage record = %+v", rec)
	}
	if rec.Model != "gpt-4o" {
		t.Errorf("model = %q", rec.Model)
	}
}

func TestProxyClientAbortCancelsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n"))
		fl.Flush()
		<-r.Context().Done()
		close(upstreamDone)
	})
	raw := seedUser(t, e.store, "user-1")

	// A live front server, so a dropped client connection actually cancels
	// the request context the pipeline hands to the forwarder.
	front := httptest.NewServer(e.handler)
	t.Cleanup(front.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, front.URL+chatPath, strings.NewReader(streamChatBody()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("X-AI-Guard-Provider", "openai")
	req.Header.Set("Content-Type", "application/json")

	resp, err := front.Client().Do(req)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	defer resp.Body.Close()

	// Read the first frame, then walk away mid-stream.
	buf := make([]byte, 1024)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request still running after client abort")
	}
}

func TestProxyCredentialUnavailable(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	pointProvider(t, guard.ProviderAnthropic, e.upstream.URL)
	raw := seedUser(t, e.store, "user-1")

	// No project, no system key for anthropic.
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(
		`{"model":"claude-3-haiku","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("X-AI-Guard-Provider", "anthropic")
	w := e.do(t, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeEnvelope(t, w); body.Type != guard.KindConfigError {
		t.Errorf("type = %s", body.Type)
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	w := e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "openai") {
		t.Errorf("ready = %d %s", w.Code, w.Body.String())
	}
}
