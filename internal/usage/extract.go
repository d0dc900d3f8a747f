// Package usage turns completed proxy responses into accounting: token
// extraction per provider, cost lookup, usage records and atomic project
// counter increments. Nothing in this package may fail a response; every
// error path degrades to a logged, partial record.
package usage

import (
	"strings"

	"github.com/tidwall/gjson"

	guard "github.com/eugener/aiguard/internal"
)

// Tokens is the per-response token accounting. Zero fields mean the upstream
// did not report them.
type Tokens struct {
	Prompt     int64
	Completion int64
	Total      int64
	Model      string
}

// Extract pulls token counts and the model name out of a completed exchange.
// Works on buffered JSON bodies and on captured SSE streams, where the last
// frame carrying each field wins.
func Extract(p guard.Provider, path string, reqBody, respBody []byte) Tokens {
	doc := responseDoc(respBody)

	var t Tokens
	switch p {
	case guard.ProviderOpenAI:
		t.Prompt = doc.Get("usage.prompt_tokens").Int()
		t.Completion = doc.Get("usage.completion_tokens").Int()
		t.Total = doc.Get("usage.total_tokens").Int()
		t.Model = gjson.GetBytes(reqBody, "model").String()

	case guard.ProviderAnthropic:
		t.Prompt = doc.Get("usage.input_tokens").Int()
		t.Completion = doc.Get("usage.output_tokens").Int()
		t.Total = t.Prompt + t.Completion
		t.Model = gjson.GetBytes(reqBody, "model").String()

	case guard.ProviderGemini:
		t.Prompt = doc.Get("usageMetadata.promptTokenCount").Int()
		t.Completion = doc.Get("usageMetadata.candidatesTokenCount").Int()
		t.Total = doc.Get("usageMetadata.totalTokenCount").Int()
		t.Model = modelFromPath(path)
	}
	if t.Total == 0 {
		t.Total = t.Prompt + t.Completion
	}
	return t
}

// frameDoc merges the fields of every SSE data frame, later frames winning,
// so terminal usage events (anthropic message_delta, openai stream tails)
// are picked up.
type frameDoc struct {
	frames []gjson.Result
}

func (d frameDoc) Get(path string) gjson.Result {
	for i := len(d.frames) - 1; i >= 0; i-- {
		if v := d.frames[i].Get(path); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func responseDoc(body []byte) frameDoc {
	s := string(body)
	if !strings.Contains(s, "data:") {
		return frameDoc{frames: []gjson.Result{gjson.Parse(s)}}
	}

	var frames []gjson.Result
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if r := gjson.Parse(payload); r.IsObject() {
			frames = append(frames, r)
		}
	}
	if len(frames) == 0 {
		frames = []gjson.Result{gjson.Parse(s)}
	}
	return frameDoc{frames: frames}
}

// modelFromPath extracts the model segment after "models/", tolerating the
// ":generateContent" action suffix form.
func modelFromPath(path string) string {
	_, rest, ok := strings.Cut(path, "models/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, "/:"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
