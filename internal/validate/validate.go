// Package validate screens proxied request bodies before they reach an
// upstream provider. Two passes run in order: a cheap safety screen (size cap
// plus conservative injection patterns) and a declarative schema check keyed
// by (provider, method, path). Paths without a registered rule pass through
// untouched so new upstream endpoints keep working.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	guard "github.com/eugener/aiguard/internal"
)

// MaxBodyBytes caps validated bodies at 1 MiB regardless of transport
// limits.
const MaxBodyBytes = 1 << 20

// Error carries field-level findings back to the caller. It unwraps to the
// invalid-request sentinel so the pipeline classifies it as a 400.
type Error struct {
	Details []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("request validation failed: %s", strings.Join(e.Details, "; "))
}

func (e *Error) Unwrap() error { return guard.ErrInvalidRequest }

// Conservative by intent: a false positive on these patterns is preferred
// over forwarding a crafted body.
var (
	sqlPattern        = regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|create|alter)\b[\s\w]*('|--|/\*|;)`)
	scriptTagPattern  = regexp.MustCompile(`(?i)<\s*script[^>]*>`)
	jsURIPattern      = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrPattern  = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// Screen runs the safety pass over the serialized body.
func Screen(body []byte) error {
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", guard.ErrPayloadTooLarge, MaxBodyBytes)
	}
	s := string(body)
	switch {
	case sqlPattern.MatchString(s):
		return &Error{Details: []string{"body matches SQL injection pattern"}}
	case scriptTagPattern.MatchString(s):
		return &Error{Details: []string{"body contains a script block"}}
	case jsURIPattern.MatchString(s):
		return &Error{Details: []string{"body contains a javascript: URI"}}
	case eventAttrPattern.MatchString(s):
		return &Error{Details: []string{"body contains an event-handler attribute"}}
	}
	return nil
}

type rule struct {
	provider guard.Provider
	method   string
	segments []string
	schema   *jsonschema.Schema
}

// matches reports whether the rule covers the request path. ":name" segments
// match any single value.
func (r *rule) matches(method string, segments []string) bool {
	if r.method != method || len(r.segments) != len(segments) {
		return false
	}
	for i, want := range r.segments {
		if strings.HasPrefix(want, ":") {
			continue
		}
		if want != segments[i] {
			return false
		}
	}
	return true
}

// Validator holds the compiled rule set.
type Validator struct {
	rules []rule
}

// New compiles the built-in provider rules.
func New() (*Validator, error) {
	v := &Validator{}
	for _, def := range ruleDefs {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		url := "mem://" + string(def.provider) + def.path + ".json"
		if err := c.AddResource(url, strings.NewReader(def.schema)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		v.rules = append(v.rules, rule{
			provider: def.provider,
			method:   def.method,
			segments: splitPath(def.path),
			schema:   s,
		})
	}
	return v, nil
}

// Validate runs both passes. GET and other bodyless requests only pass the
// size check.
func (v *Validator) Validate(provider guard.Provider, method, path string, body []byte) error {
	if err := Screen(body); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}

	segments := splitPath(path)
	for i := range v.rules {
		r := &v.rules[i]
		if r.provider != provider || !r.matches(method, segments) {
			continue
		}

		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			return &Error{Details: []string{"body is not valid JSON"}}
		}
		if err := r.schema.Validate(doc); err != nil {
			return &Error{Details: schemaDetails(err)}
		}
		return nil
	}
	return nil
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// schemaDetails flattens a jsonschema validation error into terse
// "location: message" strings.
func schemaDetails(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(out) > 8 {
		out = out[:8]
	}
	return out
}
