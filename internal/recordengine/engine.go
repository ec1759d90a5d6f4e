// Package recordengine implements C5: it accepts a client request, proxies
// it to the endpoint's configured upstream, and persists the redacted
// interaction, reusing the teacher's goproxy-based MITM proxy core as the
// interception seam for fingerprinting, redaction, and storage.
package recordengine

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/ouli-proxy/ouli/internal/config"
	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/metrics"
	"github.com/ouli-proxy/ouli/internal/obslog"
	"github.com/ouli-proxy/ouli/internal/oulierr"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/ouli-proxy/ouli/internal/session"
	"github.com/ouli-proxy/ouli/internal/store"
)

// hopByHopHeaders are stripped before proxying and before persisting, per
// §6.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// newResponse builds an *http.Response literal for a synthetic reply
// originating inside a goproxy hook, rather than leaning on a goproxy
// helper whose exact signature varies across forks of the library.
func newResponse(r *http.Request, status int, contentType, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{contentType}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
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

// Engine wires the Redactor, Session manager, and Store onto a
// goproxy.ProxyHttpServer configured as a per-endpoint reverse proxy: every
// request the listener accepts is rewritten onto the endpoint's fixed
// upstream before goproxy's own OnRequest/OnResponse hooks and transport
// take over.
type Engine struct {
	Endpoint config.Endpoint

	redactor  *redact.Redactor
	redacting bool
	sessions  *session.Manager
	clock     store.Clock
	log       *obslog.Logger
	proxy     *goproxy.ProxyHttpServer
	upstream  *url.URL

	anonMu     sync.Mutex
	anonByAddr map[string]string

	redactionHitsReported uint64 // last total reported to the redaction-hits metric
}

// NewEngine builds a Record Engine for one endpoint. cfg must already be
// compiled (see redact.Compile); clock may be nil to use wall-clock time.
func NewEngine(ep config.Endpoint, cfg *redact.Config, sessions *session.Manager, clock store.Clock) (*Engine, error) {
	if err := os.MkdirAll(ep.RecordingDir, 0o755); err != nil {
		return nil, fmt.Errorf("recordengine: create recording dir: %w", err)
	}
	upstream := &url.URL{
		Scheme: string(ep.TargetType),
		Host:   fmt.Sprintf("%s:%d", ep.TargetHost, ep.TargetPort),
	}

	e := &Engine{
		Endpoint:   ep,
		redactor:   redact.New(cfg),
		redacting:  len(cfg.LiteralSecrets) > 0 || len(cfg.RegexPatterns) > 0 || len(ep.RedactRequestHeaders) > 0 || len(ep.JSONPaths) > 0,
		sessions:   sessions,
		clock:      clock,
		log:        obslog.New("record"),
		upstream:   upstream,
		anonByAddr: make(map[string]string),
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	tr := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		ForceAttemptHTTP2: true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("recordengine: configure http2 transport: %w", err)
	}
	proxy.Tr = tr

	proxy.OnRequest().DoFunc(e.onRequest)
	proxy.OnResponse().DoFunc(e.onResponse)
	e.proxy = proxy

	return e, nil
}

// EnableMITM loads or creates a persisted CA under dir and instructs the
// proxy to terminate TLS for CONNECT tunnels, per §6 target_type=https.
func (e *Engine) EnableMITM(dir string) error {
	caCert, caKey, err := loadOrCreateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key"))
	if err != nil {
		return err
	}
	pair, err := tlsKeyPair(caCert, caKey)
	if err != nil {
		return err
	}
	tlsFromCA := goproxy.TLSConfigFromCA(&pair)
	e.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsFromCA}, host
		}))
	return nil
}

// ServeHTTP implements http.Handler: it rewrites the incoming request onto
// the endpoint's upstream and dispatches to the WebSocket relay or to the
// goproxy core.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.URL.Scheme = e.upstream.Scheme
	r.URL.Host = e.upstream.Host
	if isWebSocketUpgrade(r) {
		e.serveWebSocket(w, r)
		return
	}
	e.proxy.ServeHTTP(w, r)
}

// requestState is threaded through ctx.UserData from onRequest to
// onResponse: everything the response hook needs to finish or roll back
// the chain-critical section started under the session lock (§5).
type requestState struct {
	sess       *session.Session
	anonymous  bool
	remoteAddr string
	prevUsed   session.Hash
	storageKey session.Hash
	reqBytes   []byte
	start      time.Time
}

func (e *Engine) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	limits := e.Endpoint.EffectiveLimits()

	body, err := io.ReadAll(io.LimitReader(r.Body, limits.MaxRequestSize+1))
	r.Body.Close()
	if err != nil {
		return r, e.errorResponse(r, oulierr.Wrap(oulierr.KindRequestTooLarge, "read request body", err))
	}
	if int64(len(body)) > limits.MaxRequestSize {
		return r, e.errorResponse(r, oulierr.New(oulierr.KindRequestTooLarge, "request body exceeds limit"))
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	resetChain := strings.EqualFold(r.Header.Get("X-Ouli-Reset-Chain"), "true")
	sess, anonymous, err := e.resolveSession(r)
	if err != nil {
		return r, e.errorResponse(r, err)
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
		return r, e.errorResponse(r, err)
	}

	if anonymous && sess.Writer == nil {
		key := session.KeyFromFingerprint(baseHash)
		if err := e.openAnonymousWriter(sess, key, true); err != nil {
			sess.Rollback(prevUsed)
			sess.Unlock()
			return r, e.errorResponse(r, err)
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
		return r, e.errorResponse(r, err)
	}

	reqHeaders := r.Header.Clone()
	stripHopByHop(reqHeaders)
	persistHeaders := headerMap(reqHeaders)
	persistBody := body
	if e.redacting {
		persistHeaders = e.redactor.Headers(persistHeaders)
		persistBody = e.redactor.Bytes(body)
	}
	reqBytes := store.EncodeRequestRecord(r.Method, r.URL.Path, persistHeaders, persistBody)

	ctx.UserData = &requestState{
		sess:       sess,
		anonymous:  anonymous,
		remoteAddr: r.RemoteAddr,
		prevUsed:   prevUsed,
		storageKey: storageKey,
		reqBytes:   reqBytes,
		start:      time.Now(),
	}

	stripHopByHop(r.Header)
	return r, nil
}

func (e *Engine) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	state, ok := ctx.UserData.(*requestState)
	if !ok {
		return resp
	}
	defer state.sess.Unlock()

	if resp == nil || ctx.Error != nil {
		state.sess.Rollback(state.prevUsed)
		return resp
	}

	limits := e.Endpoint.EffectiveLimits()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxResponseSize+1))
	resp.Body.Close()
	if err != nil || int64(len(body)) > limits.MaxResponseSize {
		state.sess.Rollback(state.prevUsed)
		return newResponse(ctx.Req, http.StatusRequestEntityTooLarge, "text/plain", "response too large")
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	stripHopByHop(resp.Header)

	var chunks [][]byte
	if isEventStream(resp.Header) {
		chunks = splitSSE(body)
	}

	persistHeaders := headerMap(resp.Header)
	persistBody := body
	if e.redacting {
		persistHeaders = e.redactor.Headers(persistHeaders)
		if chunks != nil {
			for i, c := range chunks {
				chunks[i] = e.redactor.Bytes(c)
			}
			persistBody = nil
		} else {
			persistBody = e.redactor.Bytes(body)
		}
	} else if chunks != nil {
		persistBody = nil
	}

	var flags store.Flags
	if chunks != nil {
		flags |= store.FlagStreaming
	}
	if e.redacting {
		flags |= store.FlagRedacted
	}

	respBytes := store.EncodeResponseRecord(uint16(resp.StatusCode), persistHeaders, persistBody, chunks)

	if err := state.sess.Writer.AppendInteraction(state.storageKey, state.prevUsed, state.reqBytes, respBytes, uint16(resp.StatusCode), flags, e.nowNs()); err != nil {
		e.log.Printf("append interaction failed: %v", err)
		state.sess.Rollback(state.prevUsed)
		return resp
	}

	metrics.IncInteractionsRecorded(e.Endpoint.Name)
	metrics.ObserveRecordLatency(e.Endpoint.Name, time.Since(state.start).Seconds())
	if e.redacting {
		e.reportRedactionHits()
	}
	return resp
}

// resolveSession implements §4.4's key derivation: a validated test-name
// header wins; otherwise the request belongs to whichever anonymous
// session this remote address last used, or a fresh one awaiting its
// first fingerprint.
func (e *Engine) resolveSession(r *http.Request) (*session.Session, bool, error) {
	if name := r.Header.Get("X-Ouli-Test-Name"); name != "" {
		if err := session.ValidateTestName(name); err != nil {
			return nil, false, err
		}
		if sess, ok := e.sessions.Get(name); ok {
			return sess, false, nil
		}
		sess := session.New(name, session.ModeRecord)
		if err := e.openAnonymousWriter(sess, name, false); err != nil {
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
	return session.New("", session.ModeRecord), true, nil
}

// openAnonymousWriter creates the backing Writer for a newly seen session.
// A named session's recording_id is derived from its test name, so two runs
// against the same name always address the same identity; an anonymous
// session has no stable name to derive from, so it gets a fresh
// uuid.New()-generated recording_id instead (§3's recording_id field, per
// the uuid dependency mapping in SPEC_FULL.md's domain stack).
func (e *Engine) openAnonymousWriter(sess *session.Session, key string, anonymous bool) error {
	path := filepath.Join(e.Endpoint.RecordingDir, key+".ouli")
	var recordingID [32]byte
	if anonymous {
		id := uuid.New()
		copy(recordingID[:], id[:])
	} else {
		copy(recordingID[:], []byte(key))
	}
	w, err := store.Create(path, store.CreateOptions{
		RecordingID:        recordingID,
		Clock:              e.clock,
		CheckpointInterval: config.DefaultCheckpointInterval,
	})
	if err != nil {
		return oulierr.Wrap(oulierr.KindRecordingTooLarge, "create recording file", err)
	}
	sess.Name = key
	sess.Writer = w
	return nil
}

// reportRedactionHits feeds the redactor's cumulative per-pattern hit
// counters (see Redactor.Stats, the audit counter from SPEC_FULL.md's
// supplemented features) into the ouli_redaction_hits_total metric,
// reporting only the delta since the last call so the counter isn't
// double-counted across interactions.
func (e *Engine) reportRedactionHits() {
	total := e.redactor.TotalHits()
	prev := atomic.SwapUint64(&e.redactionHitsReported, total)
	if total > prev {
		metrics.AddRedactionHits(e.Endpoint.Name, total-prev)
	}
}

func (e *Engine) nowNs() uint64 {
	if e.clock != nil {
		return e.clock.NowNs()
	}
	return uint64(time.Now().UnixNano())
}

func (e *Engine) errorResponse(r *http.Request, err error) *http.Response {
	kind := oulierr.KindOf(err)
	status := oulierr.HTTPStatus(kind)
	e.log.Printf("%s endpoint=%s %s", kind, e.Endpoint.Name, obslog.Fields("status", status, "err", err))
	body := fmt.Sprintf(`{"error":%q,"kind":%q}`, err.Error(), kind.String())
	return newResponse(r, status, "application/json", body)
}

// FinalizeAll finalizes every open session's Writer, in insertion order,
// per §4.5's graceful shutdown rule.
func (e *Engine) FinalizeAll() error {
	var firstErr error
	for _, sess := range e.sessions.InInsertionOrder() {
		sess.Lock()
		if sess.Mode == session.ModeRecord && sess.Writer != nil {
			if err := sess.Writer.Finalize(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		sess.Unlock()
	}
	return firstErr
}

// EvictIdle finalizes and drops record-mode sessions idle longer than the
// endpoint's session idle timeout, the session-eviction feature
// supplemented from original_source/ (see SPEC_FULL.md).
func (e *Engine) EvictIdle(now time.Time) {
	ttl := e.Endpoint.SessionIdleTimeoutOrDefault()
	for _, sess := range e.sessions.EvictIdle(now, ttl) {
		sess.Lock()
		if sess.Mode == session.ModeRecord && sess.Writer != nil {
			if err := sess.Writer.Finalize(); err != nil {
				e.log.Printf("idle finalize failed for %s: %v", sess.Name, err)
			}
		}
		sess.Unlock()
		e.anonMu.Lock()
		for addr, key := range e.anonByAddr {
			if key == sess.Name {
				delete(e.anonByAddr, addr)
			}
		}
		e.anonMu.Unlock()
	}
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// splitSSE breaks a server-sent-events body into its individual events
// ("\n\n"-delimited), preserving arrival order, per §4.5 step 6's
// streaming-content retention rule.
func splitSSE(body []byte) [][]byte {
	parts := bytes.Split(body, []byte("\n\n"))
	chunks := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		chunks = append(chunks, p)
	}
	if len(chunks) == 0 {
		return nil
	}
	return chunks
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
