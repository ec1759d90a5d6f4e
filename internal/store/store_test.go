package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedClock uint64

func (c fixedClock) NowNs() uint64 { return uint64(c) }

func hashOf(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

// chainHead stands in for the real chain-head fingerprint (owned by the
// fingerprint package); the store only ever treats prev_hash as an opaque
// 32-byte value.
var chainHead [32]byte

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ouli")

	w, err := Create(path, CreateOptions{RecordingID: hashOf(0xAA), Clock: fixedClock(1000)})
	require.NoError(t, err)

	req1 := EncodeRequestRecord("GET", "/v1/users", map[string][]string{"Accept": {"application/json"}}, nil)
	resp1 := EncodeResponseRecord(200, map[string][]string{"Content-Type": {"application/json"}}, []byte(`{"ok":true}`), nil)
	require.NoError(t, w.AppendInteraction(hashOf(1), chainHead, req1, resp1, 200, 0, 1001))

	req2 := EncodeRequestRecord("POST", "/v1/users", nil, []byte(`{"name":"bob"}`))
	resp2 := EncodeResponseRecord(201, nil, []byte(`{"id":7}`), nil)
	require.NoError(t, w.AppendInteraction(hashOf(2), hashOf(1), req2, resp2, 201, 0, 1002))

	require.Equal(t, 2, w.InteractionCount())
	require.NoError(t, w.Finalize())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 2, r.InteractionCount())
	require.Equal(t, hashOf(0xAA), r.RecordingID())

	e1, ok := r.Lookup(hashOf(1))
	require.True(t, ok)
	dreq1, err := r.ReadRequest(e1)
	require.NoError(t, err)
	require.Equal(t, "GET", dreq1.Method)
	require.Equal(t, "/v1/users", dreq1.Path)
	require.Equal(t, []string{"application/json"}, dreq1.Headers["Accept"])

	dresp1, err := r.ReadResponse(e1)
	require.NoError(t, err)
	require.Equal(t, uint16(200), dresp1.Status)
	require.Equal(t, `{"ok":true}`, string(dresp1.Body))

	e2, ok := r.Lookup(hashOf(2))
	require.True(t, ok)
	require.Equal(t, hashOf(1), e2.PrevRequestHash)
	dreq2, err := r.ReadRequest(e2)
	require.NoError(t, err)
	require.Equal(t, "POST", dreq2.Method)
	require.Equal(t, `{"name":"bob"}`, string(dreq2.Body))

	_, ok = r.Lookup(hashOf(99))
	require.False(t, ok)

	all := r.AllInteractions()
	require.Len(t, all, 2)
	require.Equal(t, hashOf(1), all[0].RequestHash)
	require.Equal(t, hashOf(2), all[1].RequestHash)
}

// TestFinalizeIsByteDeterministic checks that two independently built
// recordings with identical inputs and a fixed clock produce byte-identical
// files, per the determinism property in §8.
func TestFinalizeIsByteDeterministic(t *testing.T) {
	build := func(dir string) []byte {
		path := filepath.Join(dir, "r.ouli")
		w, err := Create(path, CreateOptions{RecordingID: hashOf(0x11), Clock: fixedClock(42)})
		require.NoError(t, err)
		req := EncodeRequestRecord("GET", "/x", nil, nil)
		resp := EncodeResponseRecord(200, nil, []byte("ok"), nil)
		require.NoError(t, w.AppendInteraction(hashOf(1), chainHead, req, resp, 200, 0, 43))
		require.NoError(t, w.Finalize())
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		return b
	}

	a := build(t.TempDir())
	b := build(t.TempDir())
	require.Equal(t, a, b)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ouli")
	buf := make([]byte, HeaderSize)
	copy(buf, "NOTOULI!")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err := Open(path)
	require.Error(t, err)
}

func TestOpenRejectsHeaderCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.ouli")

	w, err := Create(path, CreateOptions{RecordingID: hashOf(1), Clock: fixedClock(1)})
	require.NoError(t, err)
	req := EncodeRequestRecord("GET", "/", nil, nil)
	resp := EncodeResponseRecord(200, nil, nil, nil)
	require.NoError(t, w.AppendInteraction(hashOf(1), chainHead, req, resp, 200, 0, 2))
	require.NoError(t, w.Finalize())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[offCreatedAtNs] ^= 0xFF // flip a byte inside the CRC-covered region
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Open(path)
	require.Error(t, err)
}

func TestOpenRejectsEntryCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt-entry.ouli")

	w, err := Create(path, CreateOptions{RecordingID: hashOf(1), Clock: fixedClock(1)})
	require.NoError(t, err)
	req := EncodeRequestRecord("GET", "/", nil, nil)
	resp := EncodeResponseRecord(200, nil, []byte("hello"), nil)
	require.NoError(t, w.AppendInteraction(hashOf(1), chainHead, req, resp, 200, 0, 2))
	require.NoError(t, w.Finalize())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := len(b) - 3 // inside the response body, near the tail
	b[idx] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Open(path)
	require.Error(t, err)
}

func TestAppendRejectsReservedFlagBits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.ouli")
	w, err := Create(path, CreateOptions{RecordingID: hashOf(1), Clock: fixedClock(1)})
	require.NoError(t, err)
	err = w.AppendInteraction(hashOf(1), chainHead, nil, nil, 200, Flags(0x8000), 2)
	require.Error(t, err)
}

func TestGrowExpandsMappingAcrossInitialBoundary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.ouli")
	w, err := Create(path, CreateOptions{RecordingID: hashOf(1), Clock: fixedClock(1)})
	require.NoError(t, err)

	big := make([]byte, InitialFileSize) // forces at least one grow() call
	req := EncodeRequestRecord("PUT", "/blob", nil, big)
	resp := EncodeResponseRecord(200, nil, nil, nil)
	require.NoError(t, w.AppendInteraction(hashOf(1), chainHead, req, resp, 200, 0, 2))
	require.NoError(t, w.Finalize())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	e, ok := r.Lookup(hashOf(1))
	require.True(t, ok)
	dreq, err := r.ReadRequest(e)
	require.NoError(t, err)
	require.Equal(t, len(big), len(dreq.Body))
}
