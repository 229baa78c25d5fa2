package proxy

import (
	"net/http"
	"regexp"
)

// Rewriter performs a case-insensitive literal substitution of one string
// for another across response payloads. Two instances are typically chained:
// the model rewrite (actual to display) and the brand rewrite.
type Rewriter struct {
	pattern     *regexp.Regexp
	replacement string
}

// NewRewriter builds a rewriter replacing from with to. Returns nil when the
// substitution would be a no-op, so callers can skip it cheaply.
func NewRewriter(from, to string) *Rewriter {
	if from == "" || from == to {
		return nil
	}
	return &Rewriter{
		pattern:     regexp.MustCompile(`(?i)` + regexp.QuoteMeta(from)),
		replacement: to,
	}
}

// String rewrites a single string.
func (r *Rewriter) String(s string) string {
	if r == nil {
		return s
	}
	return r.pattern.ReplaceAllLiteralString(s, r.replacement)
}

// Value deep-rewrites every string in a parsed JSON structure in place
// where possible, returning the rewritten value.
func (r *Rewriter) Value(v any) any {
	if r == nil {
		return v
	}
	switch val := v.(type) {
	case string:
		return r.String(val)
	case map[string]any:
		for k, elem := range val {
			val[k] = r.Value(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = r.Value(elem)
		}
		return val
	default:
		return v
	}
}

// Headers rewrites every header value in place.
func (r *Rewriter) Headers(h http.Header) {
	if r == nil {
		return
	}
	for key, values := range h {
		for i, v := range values {
			values[i] = r.String(v)
		}
		h[key] = values
	}
}

// RewriteChain applies a sequence of rewriters in order.
type RewriteChain []*Rewriter

// String applies every rewrite to s.
func (c RewriteChain) String(s string) string {
	for _, r := range c {
		s = r.String(s)
	}
	return s
}

// Value applies every rewrite to a parsed JSON structure.
func (c RewriteChain) Value(v any) any {
	for _, r := range c {
		v = r.Value(v)
	}
	return v
}

// Headers applies every rewrite to header values.
func (c RewriteChain) Headers(h http.Header) {
	for _, r := range c {
		r.Headers(h)
	}
}
