// Package obslog centralizes the log.Printf prefixing the teacher scatters
// across proxy.go, main.go, and analysis/*.go into one small helper so every
// component tags its lines the same way: "[component] message key=value ...".
package obslog

import (
	"fmt"
	"log"
	"strings"
)

// Logger prefixes every line with a component tag.
type Logger struct {
	tag string
}

// New returns a Logger tagged with component, e.g. New("record").
func New(component string) *Logger {
	return &Logger{tag: "[" + component + "] "}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf(l.tag+format, args...)
}

func (l *Logger) Println(args ...any) {
	log.Println(append([]any{strings.TrimSpace(l.tag)}, args...)...)
}

// Fields renders key=value pairs for structured-ish log suffixes, the way
// the teacher builds ad hoc Sprintf suffixes for phase timings.
func Fields(kv ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(toString(kv[i]))
		b.WriteByte('=')
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
