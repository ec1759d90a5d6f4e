package session

import (
	"testing"
	"time"

	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/stretchr/testify/require"
)

func noopRedactor(t *testing.T) *redact.Redactor {
	t.Helper()
	cfg, err := redact.Compile(redact.Config{})
	require.NoError(t, err)
	return redact.New(cfg)
}

func TestValidateTestNameAcceptsAndRejects(t *testing.T) {
	require.NoError(t, ValidateTestName("login_flow-v2"))
	require.Error(t, ValidateTestName(""))
	require.Error(t, ValidateTestName(".hidden"))
	require.Error(t, ValidateTestName("trailing."))
	require.Error(t, ValidateTestName("a..b"))
	require.Error(t, ValidateTestName("has/slash"))
	require.Error(t, ValidateTestName("has space"))
}

func TestProcessRequestAdvancesChainDeterministically(t *testing.T) {
	r := noopRedactor(t)
	s := New("t1", ModeRecord)
	require.Equal(t, fingerprint.CHAIN_HEAD_HASH, s.PrevHash())

	req := fingerprint.Request{Method: "GET", Path: "/x"}
	h1, prev1, err := s.ProcessRequest(req, r)
	require.NoError(t, err)
	require.Equal(t, fingerprint.CHAIN_HEAD_HASH, prev1)
	require.Equal(t, h1, s.PrevHash())
	require.Equal(t, 1, s.Depth())

	h2, prev2, err := s.ProcessRequest(req, r)
	require.NoError(t, err)
	require.Equal(t, h1, prev2)
	require.NotEqual(t, h1, h2) // same request, different prev_hash -> different fingerprint
	require.Equal(t, 2, s.Depth())
}

func TestResetChainRestoresHeadAndClearsSeen(t *testing.T) {
	r := noopRedactor(t)
	s := New("t1", ModeRecord)
	req := fingerprint.Request{Method: "GET", Path: "/x"}
	_, _, err := s.ProcessRequest(req, r)
	require.NoError(t, err)
	require.NotEqual(t, 0, s.Depth())

	s.ResetChain()
	require.Equal(t, fingerprint.CHAIN_HEAD_HASH, s.PrevHash())
	require.Equal(t, 0, s.Depth())
}

func TestChainDepthCapIsEnforced(t *testing.T) {
	r := noopRedactor(t)
	s := New("t1", ModeRecord)
	s.depth = 65536 // MaxChainDepth, without 65536 ProcessRequest calls
	_, _, err := s.ProcessRequest(fingerprint.Request{Method: "GET", Path: "/x"}, r)
	require.Error(t, err)
}

func TestResolveStorageKeyOnlyAdjustsOnCollision(t *testing.T) {
	s := New("t1", ModeRecord)
	var base Hash
	base[0] = 0x42

	k1, err := s.ResolveStorageKey(base)
	require.NoError(t, err)
	require.Equal(t, base, k1)

	k2, err := s.ResolveStorageKey(base)
	require.NoError(t, err)
	require.NotEqual(t, base, k2) // second occurrence of the same base hash collides
}

func TestManagerTracksInsertionOrderAndIdleEviction(t *testing.T) {
	m := NewManager()
	s1 := New("a", ModeRecord)
	s2 := New("b", ModeRecord)
	m.Put("a", s1)
	m.Put("b", s2)

	ordered := m.InInsertionOrder()
	require.Len(t, ordered, 2)
	require.Equal(t, "a", ordered[0].Name)
	require.Equal(t, "b", ordered[1].Name)

	past := time.Now().Add(-time.Hour)
	s1.Touch(past)
	s2.Touch(time.Now())

	evicted := m.EvictIdle(time.Now(), 5*time.Minute)
	require.Len(t, evicted, 1)
	require.Equal(t, "a", evicted[0].Name)
	require.Equal(t, 1, m.Len())
}
