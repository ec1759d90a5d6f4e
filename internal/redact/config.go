package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

// defaultSensitiveSubstrings is the fixed list of JSON key substrings that
// mark a value wholesale-redacted, per §4.1.
var defaultSensitiveSubstrings = []string{
	"password", "secret", "token", "api_key", "apikey",
	"authorization", "auth", "credential", "private_key",
	"access_token", "refresh_token",
}

// Config is the enumerated redaction configuration from §4.1.
type Config struct {
	LiteralSecrets             []string
	RegexPatterns              []string
	RedactHeaders              map[string]struct{}
	SensitiveJSONKeySubstrings []string
	JSONPaths                  []string

	compiledRegex []*regexp.Regexp
}

const (
	maxLiteralSecrets = 256
	maxSecretLen      = 4096
)

// Compile validates the configuration and precompiles its regex patterns.
// Must be called once before the Config is used by a Redactor; invalid
// regex produces KindInvalidPattern per §4.1 errors.
func Compile(c Config) (*Config, error) {
	if len(c.LiteralSecrets) > maxLiteralSecrets {
		return nil, oulierr.New(oulierr.KindInvalidPattern,
			fmt.Sprintf("too many literal secrets: %d > %d", len(c.LiteralSecrets), maxLiteralSecrets))
	}
	for _, s := range c.LiteralSecrets {
		if s == "" {
			return nil, oulierr.New(oulierr.KindInvalidPattern, "literal secret must not be empty")
		}
		if len(s) > maxSecretLen {
			return nil, oulierr.New(oulierr.KindInvalidPattern,
				fmt.Sprintf("literal secret exceeds %d bytes", maxSecretLen))
		}
	}

	out := c
	out.compiledRegex = make([]*regexp.Regexp, 0, len(c.RegexPatterns))
	for _, p := range c.RegexPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, oulierr.Wrap(oulierr.KindInvalidPattern, "regex pattern: "+p, err)
		}
		out.compiledRegex = append(out.compiledRegex, re)
	}

	normalized := make(map[string]struct{}, len(out.RedactHeaders))
	for name := range out.RedactHeaders {
		normalized[strings.ToLower(name)] = struct{}{}
	}
	out.RedactHeaders = normalized
	if out.SensitiveJSONKeySubstrings == nil {
		out.SensitiveJSONKeySubstrings = defaultSensitiveSubstrings
	}
	return &out, nil
}
