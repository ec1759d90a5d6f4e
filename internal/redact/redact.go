// Package redact implements C1, the redaction engine shared by the record
// and replay engines: literal-secret replacement over byte buffers via a
// Boyer-Moore-style scan, structured (JSON-shaped) redaction by sensitive
// key substring or explicit path, and header removal/redaction. It is the
// only component in the system that ever sees unredacted secret material.
package redact

import (
	"strings"
	"sync/atomic"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

const maxStructuredDepth = 64

// Redactor applies a compiled Config to headers, byte buffers, and
// JSON-shaped values.
type Redactor struct {
	cfg       *Config
	literal   *literalSet
	regexHits []uint64 // parallel to cfg.compiledRegex/cfg.RegexPatterns
}

// New builds a Redactor from a compiled Config (see Compile).
func New(cfg *Config) *Redactor {
	return &Redactor{
		cfg:       cfg,
		literal:   newLiteralSet(cfg.LiteralSecrets),
		regexHits: make([]uint64, len(cfg.compiledRegex)),
	}
}

// Bytes applies literal and regex replacement to an arbitrary byte buffer.
// Never allocates beyond the bounded scratch of the replacement pass, and
// never panics. A Redactor is shared across concurrent sessions, so every
// pattern's hit counter is updated atomically.
func (r *Redactor) Bytes(data []byte) []byte {
	out := r.literal.redactBytes(data)
	for i, re := range r.cfg.compiledRegex {
		out = re.ReplaceAllFunc(out, func(match []byte) []byte {
			atomic.AddUint64(&r.regexHits[i], 1)
			return []byte(redactedLiteral)
		})
	}
	return out
}

// String is a convenience wrapper around Bytes for string leaves.
func (r *Redactor) String(s string) string {
	return string(r.Bytes([]byte(s)))
}

// Headers removes entirely any header named in RedactHeaders (case
// insensitive) and applies literal/regex replacement to the values of
// everything that remains, per §4.1.
func (r *Redactor) Headers(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		if _, drop := r.cfg.RedactHeaders[strings.ToLower(name)]; drop {
			continue
		}
		redacted := make([]string, len(values))
		for i, v := range values {
			redacted[i] = r.String(v)
		}
		out[name] = redacted
	}
	return out
}

// JSON walks a JSON-shaped value (as produced by encoding/json or
// json-iterator's Unmarshal into any) and returns a redacted copy: object
// values whose key matches a sensitive substring (or an explicit
// json_paths entry) are replaced wholesale with REDACTED; string leaves go
// through literal/regex replacement; other scalars pass through unchanged.
// Recursion is capped at 64 levels; deeper input returns
// RedactionDepthExceeded rather than overflowing the stack.
func (r *Redactor) JSON(v any) (any, error) {
	return r.walk(v, "", 0)
}

func (r *Redactor) walk(v any, path string, depth int) (any, error) {
	if depth >= maxStructuredDepth {
		return nil, oulierr.New(oulierr.KindRedactionDepthExceeded, path)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			childPath := joinPath(path, k)
			if r.isSensitiveKey(k) || r.matchesJSONPath(childPath) {
				out[k] = redactedLiteral
				continue
			}
			redactedVal, err := r.walk(val, childPath, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = redactedVal
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			redactedVal, err := r.walk(val, path, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = redactedVal
		}
		return out, nil
	case string:
		return r.String(t), nil
	default:
		return t, nil
	}
}

func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range r.cfg.SensitiveJSONKeySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

func (r *Redactor) matchesJSONPath(path string) bool {
	for _, p := range r.cfg.JSONPaths {
		if p == path {
			return true
		}
	}
	return false
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Stats reports how many times each configured literal secret or regex
// pattern actually fired, keyed by the pattern itself, supplementing the
// distilled spec with the original's redaction audit counter (see
// SPEC_FULL.md). Counts are cumulative for the Redactor's lifetime.
func (r *Redactor) Stats() map[string]uint64 {
	out := make(map[string]uint64, len(r.literal.patterns)+len(r.regexHits))
	for _, p := range r.literal.patterns {
		out[string(p.bytes)] += atomic.LoadUint64(&p.hits)
	}
	for i, pattern := range r.cfg.RegexPatterns {
		out[pattern] += atomic.LoadUint64(&r.regexHits[i])
	}
	return out
}

// TotalHits sums every pattern's cumulative hit count. Used to feed the
// ouli_redaction_hits_total metric: callers track the previously observed
// total themselves and report the delta, since this counter never resets.
func (r *Redactor) TotalHits() uint64 {
	var total uint64
	for _, p := range r.literal.patterns {
		total += atomic.LoadUint64(&p.hits)
	}
	for i := range r.regexHits {
		total += atomic.LoadUint64(&r.regexHits[i])
	}
	return total
}
