// Command ouliproxy starts one listener per configured endpoint, each
// either recording live traffic against its upstream or replaying a
// previously recorded chain, plus a small admin surface for health checks
// and metrics, in the style of the teacher's single-binary main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ouli-proxy/ouli/internal/config"
	"github.com/ouli-proxy/ouli/internal/metrics"
	"github.com/ouli-proxy/ouli/internal/netutil"
	"github.com/ouli-proxy/ouli/internal/obslog"
	"github.com/ouli-proxy/ouli/internal/recordengine"
	"github.com/ouli-proxy/ouli/internal/redact"
	"github.com/ouli-proxy/ouli/internal/replayengine"
	"github.com/ouli-proxy/ouli/internal/session"
)

var log = obslog.New("main")

func main() {
	os.Exit(run())
}

type endpointHandle struct {
	name     string
	mode     string
	ln       net.Listener
	srv      *http.Server
	sessions *session.Manager
	record   *recordengine.Engine
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the endpoint configuration YAML file (required)")
		mode       = flag.String("mode", "record", "record or replay")
		caDir      = flag.String("ca", "./ca", "directory to store the persistent MITM CA cert and key")
		adminAddr  = flag.String("admin", "127.0.0.1:9090", "address the admin surface (/healthz, /metrics, /debug/sessions) listens on")
		verbose    = flag.Bool("v", false, "enable verbose logging")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "ouliproxy: -config is required")
		return 1
	}
	if *mode != "record" && *mode != "replay" {
		fmt.Fprintln(os.Stderr, "ouliproxy: -mode must be record or replay")
		return 1
	}
	if *verbose {
		log.Printf("starting in %s mode, config=%s ca=%s admin=%s", *mode, *configPath, *caDir, *adminAddr)
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		log.Printf("read config: %v", err)
		return 1
	}
	set, err := config.Load(raw)
	if err != nil {
		log.Printf("parse config: %v", err)
		return 1
	}

	var handles []*endpointHandle
	for _, ep := range set.Endpoints {
		h, err := startEndpoint(ep, *mode, *caDir)
		if err != nil {
			log.Printf("endpoint %s: %v", ep.Name, err)
			stopAll(handles)
			return 1
		}
		handles = append(handles, h)
		log.Printf("endpoint %s listening on :%d -> %s://%s:%d (%s)",
			ep.Name, ep.SourcePort, ep.TargetType, ep.TargetHost, ep.TargetPort, *mode)
	}

	admin := &http.Server{Addr: *adminAddr, Handler: buildAdminHandler(handles)}
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server: %v", err)
		}
	}()

	stopIdle := make(chan struct{})
	go runIdleEviction(handles, stopIdle)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	log.Printf("shutting down")
	close(stopIdle)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	admin.Shutdown(ctx)
	stopAll(handles)

	exitCode := 0
	for _, h := range handles {
		if h.record == nil {
			continue
		}
		if err := h.record.FinalizeAll(); err != nil {
			log.Printf("endpoint %s: finalize on shutdown: %v", h.name, err)
			exitCode = 1
		}
	}
	return exitCode
}

func startEndpoint(ep config.Endpoint, mode, caDir string) (*endpointHandle, error) {
	cfg, err := redact.Compile(redact.Config{
		LiteralSecrets: ep.Secrets,
		RegexPatterns:  ep.RegexPatterns,
		JSONPaths:      ep.JSONPaths,
		RedactHeaders:  headerSet(ep.RedactRequestHeaders),
	})
	if err != nil {
		return nil, fmt.Errorf("compile redaction config: %w", err)
	}

	sessions := session.NewManager()
	h := &endpointHandle{name: ep.Name, mode: mode, sessions: sessions}

	var handler http.Handler
	if mode == "replay" {
		handler = replayengine.NewEngine(ep, cfg, sessions, nil)
	} else {
		eng, err := recordengine.NewEngine(ep, cfg, sessions, nil)
		if err != nil {
			return nil, fmt.Errorf("new record engine: %w", err)
		}
		if ep.TargetType == config.SchemeHTTPS || ep.SourceType == config.SchemeHTTPS {
			if err := eng.EnableMITM(caDir); err != nil {
				return nil, fmt.Errorf("enable MITM: %w", err)
			}
		}
		h.record = eng
		handler = eng
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", ep.SourcePort))
	if err != nil {
		return nil, fmt.Errorf("listen :%d: %w", ep.SourcePort, err)
	}
	limited := netutil.Limit(ln, ep.EffectiveLimits().MaxConnections, ep.Name)
	h.ln = limited
	h.srv = &http.Server{Handler: handler, ConnState: connStateTracker(ep.Name)}

	go func() {
		if err := h.srv.Serve(limited); err != nil && err != http.ErrServerClosed {
			log.Printf("endpoint %s: serve: %v", ep.Name, err)
		}
	}()
	return h, nil
}

// runIdleEviction finalizes record-mode sessions idle past their endpoint's
// timeout (the supplemented feature from SPEC_FULL.md's session eviction)
// and keeps the ouli_open_sessions gauge current for every endpoint.
func runIdleEviction(handles []*endpointHandle, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, h := range handles {
				if h.record != nil {
					h.record.EvictIdle(now)
				}
				metrics.SetOpenSessions(h.name, h.mode, h.sessions.Len())
			}
		}
	}
}

func stopAll(handles []*endpointHandle) {
	var wg sync.WaitGroup
	for _, h := range handles {
		if h.srv == nil {
			continue
		}
		wg.Add(1)
		go func(h *endpointHandle) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			h.srv.Shutdown(ctx)
		}(h)
	}
	wg.Wait()
}

// connStateTracker returns an http.Server.ConnState hook that keeps the
// ouli_endpoint_pool_active/idle gauges in sync with net/http's own
// connection state machine, the supplemented connection-pool metrics
// feature from SPEC_FULL.md.
func connStateTracker(endpoint string) func(net.Conn, http.ConnState) {
	var active, idle int64
	return func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateActive:
			atomic.AddInt64(&active, 1)
			metrics.SetPoolActive(endpoint, int(atomic.LoadInt64(&active)))
		case http.StateIdle:
			atomic.AddInt64(&active, -1)
			atomic.AddInt64(&idle, 1)
			metrics.SetPoolActive(endpoint, int(atomic.LoadInt64(&active)))
			metrics.SetPoolIdle(endpoint, int(atomic.LoadInt64(&idle)))
		case http.StateHijacked, http.StateClosed:
			if atomic.LoadInt64(&idle) > 0 {
				atomic.AddInt64(&idle, -1)
				metrics.SetPoolIdle(endpoint, int(atomic.LoadInt64(&idle)))
			} else if atomic.LoadInt64(&active) > 0 {
				atomic.AddInt64(&active, -1)
				metrics.SetPoolActive(endpoint, int(atomic.LoadInt64(&active)))
			}
		}
	}
}

func headerSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = struct{}{}
	}
	return out
}

func buildAdminHandler(handles []*endpointHandle) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for _, h := range handles {
			fmt.Fprintf(w, "%s: %d open sessions\n", h.name, h.sessions.Len())
		}
	})
	return mux
}
