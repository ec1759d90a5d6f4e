// Package replayengine implements C6: it resolves an incoming request
// against a previously recorded chain, enforces strict chain ordering, and
// plays back the stored response — reusing C4's session/chain machinery
// and C1's redactor exactly as the record engine does, so a replayed
// fingerprint is computed the identical way a recorded one was.
package replayengine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ouli-proxy/ouli/internal/config"
	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/metrics"
	"github.com/ouli-proxy/ouli/internal/obslog"
	"github.com/ouli-proxy/ouli/internal/oulierr"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/ouli-proxy/ouli/internal/replaycache"
	"github.com/ouli-proxy/ouli/internal/session"
	"github.com/ouli-proxy/ouli/internal/store"
)

// hopByHopHeaders mirrors recordengine's list; stripped from a replayed
// response before it reaches the client, per §6.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Engine serves requests out of one endpoint's recordings instead of
// proxying to any upstream.
type Engine struct {
	Endpoint config.Endpoint

	redactor  *redact.Redactor
	redacting bool
	sessions  *session.Manager
	clock     store.Clock
	log       *obslog.Logger

	readers   *replaycache.Cache // session name -> *store.Reader
	responses *replaycache.Cache // "name:hex(hash)" -> *responseEntry

	anonMu     sync.Mutex
	anonByAddr map[string]string

	// DisablePacing skips the inter-chunk delay of §4.6 step 6, for tests.
	DisablePacing bool
}

// responseEntry caches a decoded response whose Body/Chunks slices alias
// the issuing Reader's mapping directly. reader is a retained reference
// (see store.Reader.Retain) that keeps that mapping alive for as long as
// this entry sits in the response cache, even after the Reader itself is
// evicted from the reader cache — per §3/§4.6, eviction must drop only the
// reference, never the mapping a live response handle still points into.
type responseEntry struct {
	decoded store.DecodedResponse
	prev    [32]byte
	reader  *store.Reader
}

// NewEngine builds a Replay Engine for one endpoint. cfg must already be
// compiled (see redact.Compile); clock may be nil to use wall-clock time.
func NewEngine(ep config.Endpoint, cfg *redact.Config, sessions *session.Manager, clock store.Clock) *Engine {
	e := &Engine{
		Endpoint:   ep,
		redactor:   redact.New(cfg),
		redacting:  len(cfg.LiteralSecrets) > 0 || len(cfg.RegexPatterns) > 0 || len(ep.RedactRequestHeaders) > 0 || len(ep.JSONPaths) > 0,
		sessions:   sessions,
		clock:      clock,
		log:        obslog.New("replay"),
		readers:    replaycache.New(int64(ep.ReplayReaderCacheSizeOrDefault()), config.ReplayReaderCacheTTL),
		responses:  replaycache.New(ep.ReplayResponseCacheBytesOrDefault(), config.ReplayResponseCacheTTL),
		anonByAddr: make(map[string]string),
	}
	e.readers.OnEvict(func(_ string, v any) {
		if r, ok := v.(*store.Reader); ok {
			r.Close()
		}
	})
	e.responses.OnEvict(func(_ string, v any) {
		if re, ok := v.(*responseEntry); ok {
			re.reader.Release()
		}
	})
	return e
}

// ServeHTTP implements http.Handler, playing the request back against the
// endpoint's recordings per §4.6's per-request procedure.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if isWebSocketUpgrade(r) {
		e.serveWebSocketReplay(w, r)
		return
	}

	limits := e.Endpoint.EffectiveLimits()
	body, err := io.ReadAll(io.LimitReader(r.Body, limits.MaxRequestSize+1))
	r.Body.Close()
	if err != nil {
		e.writeError(w, r, oulierr.Wrap(oulierr.KindRequestTooLarge, "read request body", err), fingerprint.Hash{})
		return
	}
	if int64(len(body)) > limits.MaxRequestSize {
		e.writeError(w, r, oulierr.New(oulierr.KindRequestTooLarge, "request body exceeds limit"), fingerprint.Hash{})
		return
	}

	resetChain := strings.EqualFold(r.Header.Get("X-Ouli-Reset-Chain"), "true")
	sess, anonymous, err := e.resolveSession(r)
	if err != nil {
		e.writeError(w, r, err, fingerprint.Hash{})
		return
	}

	sess.Lock()
	if resetChain {
		sess.ResetChain()
	}

	fpReq := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     headerMap(r.Header),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	}
	baseHash, prevUsed, err := sess.ProcessRequest(fpReq, e.redactor)
	if err != nil {
		sess.Unlock()
		metrics.RecordChainError(e.Endpoint.Name, oulierr.KindOf(err).String())
		e.writeError(w, r, err, fingerprint.Hash{})
		return
	}

	if anonymous && sess.Reader == nil {
		key := session.KeyFromFingerprint(baseHash)
		if err := e.openReader(sess, key); err != nil {
			sess.Rollback(prevUsed)
			sess.Unlock()
			e.writeError(w, r, err, baseHash)
			return
		}
		e.anonMu.Lock()
		e.anonByAddr[r.RemoteAddr] = key
		e.anonMu.Unlock()
		e.sessions.Put(key, sess)
	}

	storageKey, err := sess.ResolveStorageKey(baseHash)
	if err != nil {
		sess.Rollback(prevUsed)
		sess.Unlock()
		e.writeError(w, r, err, baseHash)
		return
	}

	re, hit, err := e.lookup(sess, storageKey)
	if err != nil {
		sess.Rollback(prevUsed)
		sess.Unlock()
		e.writeError(w, r, err, storageKey)
		return
	}
	metrics.RecordCacheResult(e.Endpoint.Name, hit)

	if !bytes.Equal(prevUsed[:], re.prev[:]) {
		sess.Rollback(prevUsed)
		sess.Unlock()
		metrics.RecordChainError(e.Endpoint.Name, oulierr.KindChainMismatch.String())
		e.writeError(w, r, oulierr.New(oulierr.KindChainMismatch, fmt.Sprintf(
			"chain mismatch: expected_prev_hash=%s actual_prev_hash=%s",
			hex.EncodeToString(re.prev[:]), hex.EncodeToString(prevUsed[:]))), storageKey)
		return
	}
	sess.Unlock()

	e.writeResponse(w, re.decoded)
	metrics.ObserveReplayLatency(e.Endpoint.Name, time.Since(start).Seconds())
}

// lookup consults the response cache, falling through to the session's
// Reader (itself cached) on miss.
func (e *Engine) lookup(sess *session.Session, key fingerprint.Hash) (*responseEntry, bool, error) {
	now := e.now()
	cacheKey := sess.Name + ":" + hex.EncodeToString(key[:])
	if v, ok := e.responses.Get(cacheKey, now); ok {
		return v.(*responseEntry), true, nil
	}

	entry, ok := sess.Reader.Lookup(key)
	if !ok {
		return nil, false, oulierr.New(oulierr.KindRecordingNotFound, "no recorded interaction for this request")
	}
	decoded, err := sess.Reader.ReadResponse(entry)
	if err != nil {
		return nil, false, err
	}
	sess.Reader.Retain()
	re := &responseEntry{decoded: decoded, prev: entry.PrevRequestHash, reader: sess.Reader}

	weight := int64(len(decoded.Body))
	for _, c := range decoded.Chunks {
		weight += int64(len(c))
	}
	e.responses.Put(cacheKey, re, weight, now)
	return re, false, nil
}

// writeResponse plays a decoded response back to the client, pacing
// chunks for streaming entries per §4.6 step 6.
func (e *Engine) writeResponse(w http.ResponseWriter, decoded store.DecodedResponse) {
	header := w.Header()
	for k, vs := range decoded.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	stripHopByHop(header)

	if decoded.Chunks == nil {
		w.WriteHeader(int(decoded.Status))
		w.Write(decoded.Body)
		return
	}

	w.WriteHeader(int(decoded.Status))
	flusher, _ := w.(http.Flusher)
	delay := e.Endpoint.ChunkPacingDelayOrDefault()
	jitterPct := e.Endpoint.ChunkPacingJitterPercent
	for i, c := range decoded.Chunks {
		w.Write(c)
		if flusher != nil {
			flusher.Flush()
		}
		if e.DisablePacing || i == len(decoded.Chunks)-1 {
			continue
		}
		time.Sleep(pacingDelay(delay, jitterPct))
	}
}

// pacingDelay applies a symmetric +/- jitterPct to delay, per the
// ChunkPacingJitterPercent option supplemented from original_source.
func pacingDelay(delay time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		return delay
	}
	spread := float64(delay) * float64(jitterPct) / 100
	offset := (rand.Float64()*2 - 1) * spread
	return delay + time.Duration(offset)
}

// resolveSession mirrors recordengine's key derivation (§4.4) on the
// replay side: a validated test-name header wins; otherwise the request
// belongs to whichever anonymous session this remote address last used.
func (e *Engine) resolveSession(r *http.Request) (*session.Session, bool, error) {
	if name := r.Header.Get("X-Ouli-Test-Name"); name != "" {
		if err := session.ValidateTestName(name); err != nil {
			return nil, false, err
		}
		if sess, ok := e.sessions.Get(name); ok {
			return sess, false, nil
		}
		sess := session.New(name, session.ModeReplay)
		if err := e.openReader(sess, name); err != nil {
			return nil, false, err
		}
		e.sessions.Put(name, sess)
		return sess, false, nil
	}

	e.anonMu.Lock()
	key, ok := e.anonByAddr[r.RemoteAddr]
	e.anonMu.Unlock()
	if ok {
		if sess, ok := e.sessions.Get(key); ok {
			return sess, true, nil
		}
	}
	return session.New("", session.ModeReplay), true, nil
}

// openReader opens (or reuses, from the reader cache) the recording file
// backing key, per §4.6's "Reader cache: session name -> open Reader".
func (e *Engine) openReader(sess *session.Session, key string) error {
	now := e.now()
	if v, ok := e.readers.Get(key, now); ok {
		sess.Name = key
		sess.Reader = v.(*store.Reader)
		return nil
	}
	path := filepath.Join(e.Endpoint.RecordingDir, key+".ouli")
	reader, err := store.Open(path)
	if err != nil {
		return oulierr.New(oulierr.KindRecordingNotFound, "no recording named "+key)
	}
	e.readers.Put(key, reader, 1, now)
	sess.Name = key
	sess.Reader = reader
	return nil
}

// Warmup pre-opens Readers and pre-populates the response cache for every
// session name given, idempotent per §4.6's "Warm-up" paragraph.
func (e *Engine) Warmup(names []string) error {
	now := e.now()
	for _, name := range names {
		if _, ok := e.readers.Get(name, now); ok {
			continue
		}
		path := filepath.Join(e.Endpoint.RecordingDir, name+".ouli")
		reader, err := store.Open(path)
		if err != nil {
			return oulierr.New(oulierr.KindRecordingNotFound, "no recording named "+name)
		}
		e.readers.Put(name, reader, 1, now)
		for _, entry := range reader.AllInteractions() {
			decoded, err := reader.ReadResponse(entry)
			if err != nil {
				continue
			}
			cacheKey := name + ":" + hex.EncodeToString(entry.RequestHash[:])
			weight := int64(len(decoded.Body))
			for _, c := range decoded.Chunks {
				weight += int64(len(c))
			}
			reader.Retain()
			e.responses.Put(cacheKey, &responseEntry{decoded: decoded, prev: entry.PrevRequestHash, reader: reader}, weight, now)
		}
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return time.Unix(0, int64(e.clock.NowNs()))
	}
	return time.Now()
}

// writeError renders err as the JSON error body. hash is optional (pass
// fingerprint.Hash{} to omit) and is included as request_hash when
// present, per §4.6 step 2's RecordingNotFound contract.
func (e *Engine) writeError(w http.ResponseWriter, r *http.Request, err error, hash fingerprint.Hash) {
	kind := oulierr.KindOf(err)
	status := oulierr.HTTPStatus(kind)
	e.log.Printf("%s endpoint=%s %s", kind, e.Endpoint.Name, obslog.Fields("status", status, "err", err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if hash == (fingerprint.Hash{}) {
		fmt.Fprintf(w, `{"error":%q,"kind":%q}`, err.Error(), kind.String())
		return
	}
	fmt.Fprintf(w, `{"error":%q,"kind":%q,"request_hash":%q}`, err.Error(), kind.String(), hex.EncodeToString(hash[:]))
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func headerMap(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
