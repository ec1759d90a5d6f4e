// Package session implements C4: the per-recording chain state machine.
// A Session corresponds to one .ouli file — either being written (record
// mode) or read (replay mode) — and serializes every fingerprint
// computation against it behind a single lock, per §4.4 and §5.
package session

import (
	"sync"
	"time"

	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/oulierr"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/ouli-proxy/ouli/internal/store"
)

// Mode distinguishes a recording session from a replay session.
type Mode int

const (
	ModeRecord Mode = iota
	ModeReplay
)

// Session holds one chain's mutable state. The zero value is not usable;
// construct with New.
type Session struct {
	mu sync.Mutex

	Name string
	Mode Mode

	prevHash Hash
	depth    int

	seen map[Hash]struct{} // base fingerprints already issued this session, for collision resolution

	Writer *store.Writer
	Reader *store.Reader

	lastActivity time.Time
}

// Hash is an alias so callers of this package don't need to import
// fingerprint for the common case of passing hashes around.
type Hash = fingerprint.Hash

// New constructs a session whose chain starts at CHAIN_HEAD_HASH, per §4.4.
func New(name string, mode Mode) *Session {
	return &Session{
		Name:         name,
		Mode:         mode,
		prevHash:     fingerprint.CHAIN_HEAD_HASH,
		seen:         make(map[Hash]struct{}),
		lastActivity: time.Now(),
	}
}

// Lock acquires the session's exclusive lock, held from "start of
// fingerprinting" to "append completed" per §5's ordering rules.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's exclusive lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// ResetChain rewinds the chain to CHAIN_HEAD_HASH, per the
// X-Ouli-Reset-Chain trigger in §4.4. Callers must hold the session lock.
func (s *Session) ResetChain() {
	s.prevHash = fingerprint.CHAIN_HEAD_HASH
	s.depth = 0
	s.seen = make(map[Hash]struct{})
}

// PrevHash returns the chain's current head. Callers must hold the lock.
func (s *Session) PrevHash() Hash { return s.prevHash }

// Depth returns the number of requests processed on this chain so far.
func (s *Session) Depth() int { return s.depth }

// Touch records activity for idle-eviction bookkeeping.
func (s *Session) Touch(now time.Time) { s.lastActivity = now }

// IdleSince reports how long it has been since the session last processed
// a request.
func (s *Session) IdleSince(now time.Time) time.Duration { return now.Sub(s.lastActivity) }

// ProcessRequest advances the chain per §4.4: fingerprint the request
// against the current prev_hash, store the result as the new prev_hash,
// and return it. prevUsed is the value the chain held before this call,
// which the replay engine compares against a stored entry's
// prev_request_hash to detect out-of-order replay (§4.6 step 5).
//
// Callers must hold the session lock for the duration of fingerprinting
// through persistence, per §5.
func (s *Session) ProcessRequest(req fingerprint.Request, redactor *redact.Redactor) (hash, prevUsed Hash, err error) {
	if s.depth >= store.MaxChainDepth {
		return Hash{}, Hash{}, oulierr.New(oulierr.KindChainDepthExceeded, "session chain depth exceeded")
	}
	prevUsed = s.prevHash
	hash, err = fingerprint.Compute(req, prevUsed, redactor)
	if err != nil {
		return Hash{}, Hash{}, err
	}
	s.prevHash = hash
	s.depth++
	s.lastActivity = time.Now()
	return hash, prevUsed, nil
}

// Rollback undoes the chain advance made by the ProcessRequest call that
// returned prevUsed, used when an upstream failure means the interaction
// must not be persisted and the chain must not move (§7: "failures before
// any reply are not recorded and chain is not advanced"). Callers must
// hold the session lock and must not have called ResolveStorageKey for the
// rolled-back hash.
func (s *Session) Rollback(prevUsed Hash) {
	s.prevHash = prevUsed
	s.depth--
}

// ResolveStorageKey returns the hash to use as the index key for this
// interaction, resolving a true fingerprint collision against another
// interaction already appended in this session by retrying
// fingerprint.ResolveCollision up to MaxCollisionRetries times, per §4.2.
// The chain itself always advances on the base hash; only the on-disk
// index key is adjusted.
func (s *Session) ResolveStorageKey(base Hash) (Hash, error) {
	if _, collide := s.seen[base]; !collide {
		s.seen[base] = struct{}{}
		return base, nil
	}
	for counter := uint32(0); counter < fingerprint.MaxCollisionRetries; counter++ {
		candidate := fingerprint.ResolveCollision(base, counter)
		if _, collide := s.seen[candidate]; !collide {
			s.seen[candidate] = struct{}{}
			return candidate, nil
		}
	}
	return Hash{}, oulierr.New(oulierr.KindRecordingTooLarge, "exhausted fingerprint collision retries")
}
