package redact

import "sync/atomic"

// literalPattern is a precompiled literal secret: the pattern bytes plus
// the Horspool bad-character skip table used to advance the scan cursor
// when the tail byte doesn't match, per §4.1 ("Boyer-Moore with a
// bad-character table"). hits is updated atomically since a Redactor (and
// therefore its literalSet) is shared across concurrently served sessions.
type literalPattern struct {
	bytes     []byte
	skipTable [256]int
	hits      uint64
}

func newLiteralPattern(s string) *literalPattern {
	p := &literalPattern{bytes: []byte(s)}
	m := len(p.bytes)
	for c := range p.skipTable {
		p.skipTable[c] = m
	}
	// Distance from the last byte of the pattern to the rightmost
	// occurrence of each byte, excluding the final byte itself.
	for i := 0; i < m-1; i++ {
		p.skipTable[p.bytes[i]] = m - 1 - i
	}
	return p
}

// literalSet holds compiled literal patterns ordered longest-first (stable
// for equal lengths) so that when two patterns overlap at a position the
// longer, earlier-defined one wins.
type literalSet struct {
	patterns []*literalPattern
}

func newLiteralSet(secrets []string) *literalSet {
	ls := &literalSet{patterns: make([]*literalPattern, len(secrets))}
	for i, s := range secrets {
		ls.patterns[i] = newLiteralPattern(s)
	}
	// Stable sort by descending length: longer-defined-first wins,
	// ties keep the caller's original order.
	for i := 1; i < len(ls.patterns); i++ {
		for j := i; j > 0 && len(ls.patterns[j].bytes) > len(ls.patterns[j-1].bytes); j-- {
			ls.patterns[j], ls.patterns[j-1] = ls.patterns[j-1], ls.patterns[j]
		}
	}
	return ls
}

const redactedLiteral = "REDACTED"

// redactBytes scans buf left to right, replacing every non-overlapping
// occurrence of any configured literal secret with REDACTED. Runs in time
// linear in len(buf) with sub-linear expected per-position work: a
// mismatch at the tail-comparison byte skips the cursor forward by the
// minimum Horspool bad-character distance across all candidate patterns.
func (ls *literalSet) redactBytes(buf []byte) []byte {
	if len(ls.patterns) == 0 {
		return buf
	}
	out := make([]byte, 0, len(buf))
	i := 0
	n := len(buf)
	for i < n {
		remaining := n - i
		matchedLen := 0
		for _, p := range ls.patterns {
			m := len(p.bytes)
			if m == 0 || m > remaining {
				continue
			}
			if bytesEqual(buf[i:i+m], p.bytes) {
				atomic.AddUint64(&p.hits, 1)
				matchedLen = m
				break
			}
		}
		if matchedLen > 0 {
			out = append(out, redactedLiteral...)
			i += matchedLen
			continue
		}
		skip := 1
		best := -1
		for _, p := range ls.patterns {
			m := len(p.bytes)
			if m == 0 || m > remaining {
				continue
			}
			c := buf[i+m-1]
			s := p.skipTable[c]
			if best == -1 || s < best {
				best = s
			}
		}
		if best > 0 {
			skip = best
		}
		out = append(out, buf[i])
		i += skip
		// skip may exceed 1 but we only emitted one byte above; emit the
		// rest of the skipped range verbatim since none of it can start a
		// full match (that's exactly what the skip distance guarantees).
		for k := 1; k < skip && i-skip+k < n; k++ {
			out = append(out, buf[i-skip+k])
		}
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
