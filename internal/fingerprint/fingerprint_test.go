package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ouli-proxy/ouli/internal/redact"
)

func noopRedactor(t *testing.T) *redact.Redactor {
	t.Helper()
	cfg, err := redact.Compile(redact.Config{})
	require.NoError(t, err)
	return redact.New(cfg)
}

func TestComputeIsDeterministic(t *testing.T) {
	r := noopRedactor(t)
	req := Request{Method: "get", Path: "/ping", Headers: map[string][]string{"X-A": {"1"}}}
	h1, err := Compute(req, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	h2, err := Compute(req, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHeaderOrderAndWhitespaceInsensitive(t *testing.T) {
	r := noopRedactor(t)
	a := Request{Method: "GET", Path: "/x", Headers: map[string][]string{"X-A": {"1"}, "X-B": {"2"}}}
	b := Request{Method: "GET", Path: "/x", Headers: map[string][]string{"X-B": {" 2 "}, "X-A": {"1"}}}
	ha, err := Compute(a, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	hb, err := Compute(b, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestJSONKeyOrderInsensitive(t *testing.T) {
	r := noopRedactor(t)
	a := Request{Method: "POST", Path: "/x", ContentType: "application/json", Body: []byte(`{"a":1,"b":2}`)}
	b := Request{Method: "POST", Path: "/x", ContentType: "application/json", Body: []byte(`{"b":2,"a":1}`)}
	ha, err := Compute(a, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	hb, err := Compute(b, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestSensitivityToBodyChange(t *testing.T) {
	r := noopRedactor(t)
	a := Request{Method: "POST", Path: "/x", ContentType: "application/json", Body: []byte(`{"a":1}`)}
	b := Request{Method: "POST", Path: "/x", ContentType: "application/json", Body: []byte(`{"a":2}`)}
	ha, err := Compute(a, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	hb, err := Compute(b, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestSensitivityToPrevHash(t *testing.T) {
	r := noopRedactor(t)
	req := Request{Method: "GET", Path: "/x"}
	h1, err := Compute(req, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	var other Hash
	other[0] = 1
	h2, err := Compute(req, other, r)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestPathCollapsesRepeatedSlashes(t *testing.T) {
	r := noopRedactor(t)
	a := Request{Method: "GET", Path: "/a//b///c"}
	b := Request{Method: "GET", Path: "/a/b/c"}
	ha, err := Compute(a, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	hb, err := Compute(b, CHAIN_HEAD_HASH, r)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestResolveCollisionProducesDistinctCandidates(t *testing.T) {
	var base Hash
	base[0] = 0xAB
	seen := map[Hash]bool{base: true}
	for c := uint32(0); c < MaxCollisionRetries; c++ {
		h := ResolveCollision(base, c)
		require.False(t, seen[h], "collision candidate repeated")
		seen[h] = true
	}
}
