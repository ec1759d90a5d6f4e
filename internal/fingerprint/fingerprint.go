// Package fingerprint implements C2: a deterministic, chain-aware,
// redaction-aware 256-bit hash over an HTTP request. Two canonically
// equivalent requests — differing only in header order, value whitespace,
// or JSON key order — hash identically; any semantic difference changes
// the digest with overwhelming probability.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/ouli-proxy/ouli/internal/oulierr"
	"github.com/ouli-proxy/ouli/internal/redact"
)

// Hash is a 256-bit SHA-2 digest.
type Hash [32]byte

// CHAIN_HEAD_HASH is the SHA-256 of the empty byte string: the prev_hash
// every session chain starts from.
var CHAIN_HEAD_HASH = Hash(sha256.Sum256(nil))

// MaxCollisionRetries bounds how many counter-extended candidates a lookup
// will probe before giving up, per §4.2.
const MaxCollisionRetries = 16

// Request is the canonicalization input: the pieces of an HTTP request
// needed to compute a fingerprint. Bodies are capped at the request size
// limit enforced by the caller; RequestTooLarge (see CheckBodySize) is the
// caller's responsibility to check before calling Compute.
type Request struct {
	Method      string
	Path        string
	RawQuery    string
	Headers     map[string][]string
	Body        []byte
	ContentType string
}

// Compute implements fingerprint(request, prev_hash, redactor) -> [u8;32]
// from §4.2: a pure function of its inputs.
func Compute(req Request, prevHash Hash, r *redact.Redactor) (Hash, error) {
	method := canonicalMethod(req.Method)
	path, err := canonicalPath(req.Path)
	if err != nil {
		return Hash{}, err
	}
	queryPairs, err := canonicalQuery(req.RawQuery)
	if err != nil {
		return Hash{}, err
	}
	headerPairs := canonicalHeaders(req.Headers, r.String)
	body, err := canonicalBody(req.Body, req.ContentType, r.Bytes, r.String)
	if err != nil {
		return Hash{}, err
	}

	h := sha256.New()
	writeLP(h, []byte(method))
	writeLP(h, []byte(path))
	for _, q := range queryPairs {
		writeLP(h, []byte(q.key))
		for _, v := range q.values {
			writeLP(h, []byte(v))
		}
	}
	for _, hp := range headerPairs {
		writeLP(h, []byte(hp.name))
		writeLP(h, []byte(hp.value))
	}
	writeLP(h, body)
	h.Write(prevHash[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// writeLP writes a u32 little-endian length prefix followed by b, per the
// hash composition rule in §4.2.
func writeLP(h hash.Hash, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// ResolveCollision derives the counter-extended fingerprint used when two
// distinct canonicalized requests hash to the same base value: re-derive
// as SHA-256(hash || counter_le_u32), incrementing counter until unique.
func ResolveCollision(base Hash, counter uint32) Hash {
	var counterBuf [4]byte
	binary.LittleEndian.PutUint32(counterBuf[:], counter)
	h := sha256.New()
	h.Write(base[:])
	h.Write(counterBuf[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CheckBodySize enforces the request body size limit, returning
// RequestTooLarge on overrun per §4.2 errors.
func CheckBodySize(bodyLen, limit int64) error {
	if bodyLen > limit {
		return oulierr.New(oulierr.KindRequestTooLarge, "request body exceeds limit")
	}
	return nil
}
