package fingerprint

import (
	"net/url"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

// excludedHeaders are dropped before fingerprinting per §4.2 rule 4; they
// vary run-to-run without changing request semantics.
var excludedHeaders = map[string]struct{}{
	"date": {}, "age": {}, "expires": {}, "connection": {},
	"keep-alive": {}, "proxy-connection": {}, "te": {}, "trailer": {},
	"transfer-encoding": {}, "upgrade": {},
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// canonicalMethod uppercases per rule 1.
func canonicalMethod(method string) string {
	return strings.ToUpper(method)
}

// canonicalPath percent-decodes once, collapses repeated slashes, ensures a
// leading slash, and rejects control bytes, per rule 2.
func canonicalPath(path string) (string, error) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", oulierr.Wrap(oulierr.KindInvalidPath, "percent-decode", err)
	}
	for _, b := range []byte(decoded) {
		if b < 0x20 || b == 0x7f {
			return "", oulierr.New(oulierr.KindInvalidPath, "control byte in path")
		}
	}
	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}
	var b strings.Builder
	b.Grow(len(decoded))
	prevSlash := false
	for _, r := range decoded {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// queryPair is one key with all of its values in original order.
type queryPair struct {
	key    string
	values []string
}

// canonicalQuery parses, percent-decodes, and sorts query parameters by key
// ascending, preserving repeated-key value order, per rule 3.
func canonicalQuery(rawQuery string) ([]queryPair, error) {
	if rawQuery == "" {
		return nil, nil
	}
	parsed, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, oulierr.Wrap(oulierr.KindInvalidPath, "parse query", err)
	}
	pairs := make([]queryPair, 0, len(parsed))
	for k, v := range parsed {
		pairs = append(pairs, queryPair{key: k, values: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	return pairs, nil
}

// headerPair is one header name with its (trimmed, redacted) value.
type headerPair struct {
	name  string
	value string
}

// canonicalHeaders lowercases names, drops the excluded set, trims
// whitespace, applies redaction, and sorts by name ascending, per rule 4.
func canonicalHeaders(headers map[string][]string, redactValue func(string) string) []headerPair {
	pairs := make([]headerPair, 0, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(name)
		if _, excluded := excludedHeaders[lower]; excluded {
			continue
		}
		for _, v := range values {
			trimmed := strings.TrimSpace(v)
			pairs = append(pairs, headerPair{name: lower, value: redactValue(trimmed)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})
	return pairs
}

// canonicalBody canonicalizes the body according to its content type, per
// rule 5: sorted-key whitespace-free JSON, form-urlencoded treated like a
// query, otherwise redacted raw bytes.
func canonicalBody(body []byte, contentType string, redactBytes func([]byte) []byte, redactString func(string) string) ([]byte, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		var v any
		if err := jsonAPI.Unmarshal(body, &v); err != nil {
			// Not actually valid JSON despite the content type: fall back
			// to raw redaction rather than failing the whole request.
			return redactBytes(body), nil
		}
		canon, err := canonicalizeJSONValue(v, redactString)
		if err != nil {
			return nil, err
		}
		out, err := jsonAPI.Marshal(canon)
		if err != nil {
			return nil, err
		}
		return out, nil
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		pairs, err := canonicalQuery(string(body))
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for i, p := range pairs {
			if i > 0 {
				b.WriteByte('&')
			}
			for j, v := range p.values {
				if j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(redactString(p.key))
				b.WriteByte('=')
				b.WriteString(redactString(v))
			}
		}
		return []byte(b.String()), nil
	default:
		return redactBytes(body), nil
	}
}

// canonicalizeJSONValue recursively sorts object keys and redacts string
// leaves so that two JSON bodies differing only in key order or in
// redacted secret values canonicalize identically.
func canonicalizeJSONValue(v any, redactString func(string) string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(sortedObject, 0, len(t))
		for _, k := range keys {
			val, err := canonicalizeJSONValue(t[k], redactString)
			if err != nil {
				return nil, err
			}
			out = append(out, sortedField{key: k, value: val})
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			val, err := canonicalizeJSONValue(e, redactString)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case string:
		return redactString(t), nil
	default:
		return t, nil
	}
}

// sortedField/sortedObject implement json.Marshaler so a map with
// already-sorted keys serializes deterministically without
// encoding/json's own (also-sorted, but redundant) map key sort.
type sortedField struct {
	key   string
	value any
}

type sortedObject []sortedField

func (o sortedObject) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := jsonAPI.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := jsonAPI.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
