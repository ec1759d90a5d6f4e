package replayengine

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/ouli-proxy/ouli/internal/config"
	"github.com/ouli-proxy/ouli/internal/recordengine"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/ouli-proxy/ouli/internal/session"
)

type fixedClock uint64

func (c fixedClock) NowNs() uint64 { return uint64(c) }

func newTestEndpoint(t *testing.T, upstream *url.URL, dir string) config.Endpoint {
	t.Helper()
	host := upstream.Hostname()
	port, err := strconv.Atoi(upstream.Port())
	if err != nil {
		t.Fatalf("parse upstream port: %v", err)
	}
	return config.Endpoint{
		Name:         "test",
		TargetHost:   host,
		TargetPort:   port,
		TargetType:   config.SchemeHTTP,
		RecordingDir: dir,
	}
}

func TestReplayEngineReplaysRecordedInteraction(t *testing.T) {
	dir := t.TempDir()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()
	upstreamURL, _ := url.Parse(upstream.URL)

	ep := newTestEndpoint(t, upstreamURL, dir)
	cfg, err := redact.Compile(redact.Config{})
	if err != nil {
		t.Fatalf("compile redact config: %v", err)
	}

	recSessions := session.NewManager()
	rec, err := recordengine.NewEngine(ep, cfg, recSessions, fixedClock(1000))
	if err != nil {
		t.Fatalf("new record engine: %v", err)
	}
	recordFront := httptest.NewServer(rec)
	req, _ := http.NewRequest(http.MethodGet, recordFront.URL+"/ping", nil)
	req.Header.Set("X-Ouli-Test-Name", "ping")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("record pass failed: %v", err)
	}
	resp.Body.Close()
	recordFront.Close()
	if err := rec.FinalizeAll(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	replaySessions := session.NewManager()
	replay := NewEngine(ep, cfg, replaySessions, fixedClock(1000))
	replay.DisablePacing = true
	replayFront := httptest.NewServer(replay)
	defer replayFront.Close()

	req2, _ := http.NewRequest(http.MethodGet, replayFront.URL+"/ping", nil)
	req2.Header.Set("X-Ouli-Test-Name", "ping")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("replay request failed: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)

	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
	if string(body) != "pong" {
		t.Fatalf("body = %q, want %q", body, "pong")
	}
}

func TestReplayEngineRejectsUnknownRecording(t *testing.T) {
	dir := t.TempDir()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	upstreamURL, _ := url.Parse(upstream.URL)
	ep := newTestEndpoint(t, upstreamURL, dir)
	cfg, err := redact.Compile(redact.Config{})
	if err != nil {
		t.Fatalf("compile redact config: %v", err)
	}

	replay := NewEngine(ep, cfg, session.NewManager(), fixedClock(1000))
	front := httptest.NewServer(replay)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/missing", nil)
	req.Header.Set("X-Ouli-Test-Name", "does-not-exist")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// Out-of-order replay is rejected: the fingerprint binds prev_hash into
// the hash itself (§4.2), so resuming a chain at the wrong position
// derives a hash absent from the recording's index entirely, rather than
// landing on an entry whose prev_request_hash then visibly disagrees.
func TestReplayEngineDetectsOutOfOrderReplay(t *testing.T) {
	dir := t.TempDir()
	seq := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("step"))
	}))
	defer upstream.Close()
	upstreamURL, _ := url.Parse(upstream.URL)
	ep := newTestEndpoint(t, upstreamURL, dir)
	cfg, err := redact.Compile(redact.Config{})
	if err != nil {
		t.Fatalf("compile redact config: %v", err)
	}

	rec, err := recordengine.NewEngine(ep, cfg, session.NewManager(), fixedClock(1000))
	if err != nil {
		t.Fatalf("new record engine: %v", err)
	}
	recordFront := httptest.NewServer(rec)
	for _, path := range []string{"/a", "/b"} {
		req, _ := http.NewRequest(http.MethodGet, recordFront.URL+path, nil)
		req.Header.Set("X-Ouli-Test-Name", "sequence")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("record request %s failed: %v", path, err)
		}
		resp.Body.Close()
	}
	recordFront.Close()
	if err := rec.FinalizeAll(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	replay := NewEngine(ep, cfg, session.NewManager(), fixedClock(1000))
	replay.DisablePacing = true
	replayFront := httptest.NewServer(replay)
	defer replayFront.Close()

	req, _ := http.NewRequest(http.MethodGet, replayFront.URL+"/b", nil)
	req.Header.Set("X-Ouli-Test-Name", "sequence")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("out-of-order replay request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
