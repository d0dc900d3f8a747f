// Package provider holds the static upstream registry: per-provider origin,
// auth header shape, and constant headers/query parameters. The table is
// read-only after process start.
package provider

import (
	"fmt"
	"net/url"

	guard "github.com/eugener/aiguard/internal"
)

// Entry describes how to address and authenticate against one upstream.
type Entry struct {
	Provider   guard.Provider
	Origin     *url.URL          // scheme + host only
	AuthHeader string            // header carrying the upstream credential
	AuthPrefix string            // optional value prefix, e.g. "Bearer"
	Headers    map[string]string // constant headers, added only when absent
	Query      map[string]string // constant query params, always added
}

// AuthValue renders the upstream auth header value for key.
func (e *Entry) AuthValue(key string) string {
	if e.AuthPrefix != "" {
		return e.AuthPrefix + " " + key
	}
	return key
}

var registry = map[guard.Provider]*Entry{
	guard.ProviderOpenAI: {
		Provider:   guard.ProviderOpenAI,
		Origin:     mustParse("https://api.openai.com"),
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer",
	},
	guard.ProviderAnthropic: {
		Provider:   guard.ProviderAnthropic,
		Origin:     mustParse("https://api.anthropic.com"),
		AuthHeader: "x-api-key",
		Headers:    map[string]string{"anthropic-version": "2023-06-01"},
	},
	guard.ProviderGemini: {
		Provider:   guard.ProviderGemini,
		Origin:     mustParse("https://generativelanguage.googleapis.com"),
		AuthHeader: "x-goog-api-key",
	},
}

// Lookup resolves a provider tag to its registry entry.
func Lookup(tag string) (*Entry, error) {
	p, ok := guard.ParseProvider(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %q", guard.ErrInvalidProvider, tag)
	}
	return registry[p], nil
}

// Get returns the entry for a known provider.
func Get(p guard.Provider) *Entry {
	return registry[p]
}

func mustParse(origin string) *url.URL {
	u, err := url.Parse(origin)
	if err != nil {
		panic(err)
	}
	return u
}
