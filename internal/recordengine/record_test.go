package recordengine

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ouli-proxy/ouli/internal/config"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/ouli-proxy/ouli/internal/session"
	"github.com/ouli-proxy/ouli/internal/store"
)

type fixedClock uint64

func (c fixedClock) NowNs() uint64 { return uint64(c) }

func newTestEndpoint(t *testing.T, upstream *url.URL) config.Endpoint {
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
		RecordingDir: t.TempDir(),
	}
}

func TestRecordEngineRecordsSimpleGET(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()
	upstreamURL, _ := url.Parse(upstream.URL)

	ep := newTestEndpoint(t, upstreamURL)
	cfg, err := redact.Compile(redact.Config{})
	if err != nil {
		t.Fatalf("compile redact config: %v", err)
	}
	sessions := session.NewManager()
	engine, err := NewEngine(ep, cfg, sessions, fixedClock(1000))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	front := httptest.NewServer(engine)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/ping", nil)
	req.Header.Set("X-Ouli-Test-Name", "ping")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "pong" {
		t.Fatalf("body = %q, want %q", body, "pong")
	}

	if err := engine.FinalizeAll(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	reader, err := store.Open(filepath.Join(ep.RecordingDir, "ping.ouli"))
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer reader.Close()

	if reader.InteractionCount() != 1 {
		t.Fatalf("interaction count = %d, want 1", reader.InteractionCount())
	}
	entries := reader.AllInteractions()
	decoded, err := reader.ReadResponse(entries[0])
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(decoded.Body) != "pong" {
		t.Fatalf("stored body = %q, want %q", decoded.Body, "pong")
	}
	if decoded.Status != http.StatusOK {
		t.Fatalf("stored status = %d, want 200", decoded.Status)
	}
}

func TestRecordEngineRedactsSecretBeforePersisting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	upstreamURL, _ := url.Parse(upstream.URL)

	ep := newTestEndpoint(t, upstreamURL)
	cfg, err := redact.Compile(redact.Config{LiteralSecrets: []string{"sk-1234567890abcdef"}})
	if err != nil {
		t.Fatalf("compile redact config: %v", err)
	}
	sessions := session.NewManager()
	engine, err := NewEngine(ep, cfg, sessions, fixedClock(1000))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	front := httptest.NewServer(engine)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodPost, front.URL+"/secret", strings.NewReader("body"))
	req.Header.Set("X-Ouli-Test-Name", "secret-case")
	req.Header.Set("Authorization", "Bearer sk-1234567890abcdef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if err := engine.FinalizeAll(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ep.RecordingDir, "secret-case.ouli"))
	if err != nil {
		t.Fatalf("read recording file: %v", err)
	}
	if strings.Contains(string(raw), "sk-1234567890abcdef") {
		t.Fatalf("recording file contains unredacted secret")
	}
}
