package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustRedactor(t *testing.T, cfg Config) *Redactor {
	t.Helper()
	compiled, err := Compile(cfg)
	require.NoError(t, err)
	return New(compiled)
}

func TestBytesRemovesLiteralSecret(t *testing.T) {
	r := mustRedactor(t, Config{LiteralSecrets: []string{"sk-1234567890abcdef"}})
	out := r.String("Authorization: Bearer sk-1234567890abcdef")
	if strings.Contains(out, "sk-1234567890abcdef") {
		t.Fatalf("secret leaked through redaction: %s", out)
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("expected REDACTED marker: %s", out)
	}
}

func TestBytesLongerPatternWinsOnOverlap(t *testing.T) {
	r := mustRedactor(t, Config{LiteralSecrets: []string{"abc", "abcdef"}})
	out := r.String("xxabcdefxx")
	require.Equal(t, "xx"+redactedLiteral+"xx", out)
}

func TestHeadersDropsConfiguredNamesCaseInsensitive(t *testing.T) {
	r := mustRedactor(t, Config{RedactHeaders: map[string]struct{}{"cookie": {}}})
	h := r.Headers(map[string][]string{"Cookie": {"a=b"}, "X-Trace": {"abc"}})
	if _, ok := h["Cookie"]; ok {
		t.Fatalf("Cookie header should have been dropped")
	}
	if _, ok := h["X-Trace"]; !ok {
		t.Fatalf("X-Trace header should survive")
	}
}

func TestJSONRedactsSensitiveKeysWholesale(t *testing.T) {
	r := mustRedactor(t, Config{})
	in := map[string]any{
		"username": "alice",
		"password": "s3cr3t",
		"nested": map[string]any{
			"api_key": "abc123",
			"note":    "fine",
		},
		"list": []any{
			map[string]any{"token": "xyz"},
			"plain",
		},
	}
	out, err := r.JSON(in)
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, "alice", m["username"])
	require.Equal(t, redactedLiteral, m["password"])
	nested := m["nested"].(map[string]any)
	require.Equal(t, redactedLiteral, nested["api_key"])
	require.Equal(t, "fine", nested["note"])
	list := m["list"].([]any)
	require.Equal(t, redactedLiteral, list[0].(map[string]any)["token"])
	require.Equal(t, "plain", list[1])
}

func TestJSONDepthExceeded(t *testing.T) {
	r := mustRedactor(t, Config{})
	var v any = "leaf"
	for i := 0; i < maxStructuredDepth+5; i++ {
		v = map[string]any{"n": v}
	}
	_, err := r.JSON(v)
	require.Error(t, err)
}

func TestRedactionCompletenessProperty(t *testing.T) {
	secrets := []string{"sk-live-aaa", "bearer-zzz-token"}
	r := mustRedactor(t, Config{LiteralSecrets: secrets})
	inputs := []string{
		"prefix sk-live-aaa suffix",
		"bearer-zzz-token bearer-zzz-token",
		"no secret here at all",
		"sk-live-aaabearer-zzz-token glued together",
	}
	for _, in := range inputs {
		out := r.String(in)
		for _, s := range secrets {
			if strings.Contains(out, s) {
				t.Fatalf("secret %q leaked in output %q (input %q)", s, out, in)
			}
		}
	}
}

func TestInvalidRegexRejectedAtConfigTime(t *testing.T) {
	_, err := Compile(Config{RegexPatterns: []string{"("}})
	require.Error(t, err)
}
