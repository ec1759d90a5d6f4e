package session

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/oulierr"
)

var testNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,255}$`)

// ValidateTestName enforces the X-Ouli-Test-Name grammar from §6: ASCII,
// 1-255 bytes, [A-Za-z0-9_.-], no leading/trailing dot, no "..".
func ValidateTestName(name string) error {
	if !testNamePattern.MatchString(name) {
		return oulierr.New(oulierr.KindInvalidTestName, "test name must match [A-Za-z0-9_.-]{1,255}")
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return oulierr.New(oulierr.KindInvalidTestName, "test name must not start or end with a dot")
	}
	if strings.Contains(name, "..") {
		return oulierr.New(oulierr.KindInvalidTestName, "test name must not contain \"..\"")
	}
	return nil
}

// KeyFromFingerprint derives the fallback session key used when no test
// name header is present: the hex of the session's first request
// fingerprint, per §4.4.
func KeyFromFingerprint(h fingerprint.Hash) string {
	return hex.EncodeToString(h[:])
}
