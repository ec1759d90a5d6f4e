package oulierr

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// TestKindStringTableIsStable pins the Kind.String() enumeration against a
// golden fixture: adding a Kind is fine, but reordering or renaming an
// existing one is a wire-visible change for anything that logs or compares
// these strings.
func TestKindStringTableIsStable(t *testing.T) {
	g := goldie.New(t)
	var lines []string
	for k := KindUnknown; k <= KindRedactionDepthExceeded; k++ {
		lines = append(lines, k.String())
	}
	g.Assert(t, "kind-string-table", []byte(strings.Join(lines, "\n")))
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, 413, HTTPStatus(KindRequestTooLarge))
	require.Equal(t, 413, HTTPStatus(KindResponseTooLarge))
	require.Equal(t, 503, HTTPStatus(KindConnectionLimitReached))
	require.Equal(t, 503, HTTPStatus(KindRecordingTooLarge))
	require.Equal(t, 503, HTTPStatus(KindChainDepthExceeded))
	require.Equal(t, 400, HTTPStatus(KindInvalidPath))
	require.Equal(t, 404, HTTPStatus(KindRecordingNotFound))
	require.Equal(t, 409, HTTPStatus(KindChainMismatch))
	require.Equal(t, 500, HTTPStatus(KindUnknown))
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(KindBadMagic, "bad magic bytes")
	wrapped := Wrap(KindTruncated, "outer", base)
	require.Equal(t, KindTruncated, KindOf(wrapped))
	require.Equal(t, KindUnknown, KindOf(nil))
}
