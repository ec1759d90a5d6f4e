package recordengine

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/oulierr"
	"github.com/ouli-proxy/ouli/internal/session"
	"github.com/ouli-proxy/ouli/internal/store"
	"github.com/ouli-proxy/ouli/internal/wsframe"
)

// websocketUpgrader is the client-facing half of the WebSocket relay; the
// teacher never needed one since it only MITMs HTTP, so this is adapted
// wholesale from gorilla/websocket, the library the rest of the pack
// pulls in for the same purpose.
type websocketUpgrader = websocket.Upgrader

var clientUpgrader = websocketUpgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocket implements the recording half of §4.5's WebSocket
// paragraph: establish the upstream connection, relay frames in both
// directions, and capture the whole conversation as a single streaming
// interaction keyed by the HTTP upgrade request's fingerprint.
func (e *Engine) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, anonymous, err := e.resolveSession(r)
	if err != nil {
		http.Error(w, err.Error(), oulierr.HTTPStatus(oulierr.KindOf(err)))
		return
	}

	sess.Lock()
	fpReq := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     headerMap(r.Header),
		ContentType: r.Header.Get("Content-Type"),
	}
	baseHash, prevUsed, err := sess.ProcessRequest(fpReq, e.redactor)
	if err != nil {
		sess.Unlock()
		http.Error(w, err.Error(), oulierr.HTTPStatus(oulierr.KindOf(err)))
		return
	}
	if anonymous && sess.Writer == nil {
		key := session.KeyFromFingerprint(baseHash)
		if err := e.openAnonymousWriter(sess, key, true); err != nil {
			sess.Rollback(prevUsed)
			sess.Unlock()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
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
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	upstreamURL := &url.URL{
		Scheme:   wsScheme(e.upstream.Scheme),
		Host:     e.upstream.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	dialer := websocket.Dialer{}
	upstreamConn, _, err := dialer.Dial(upstreamURL.String(), nil)
	if err != nil {
		sess.Rollback(prevUsed)
		sess.Unlock()
		http.Error(w, fmt.Sprintf("dial upstream: %v", err), http.StatusBadGateway)
		return
	}

	clientConn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		upstreamConn.Close()
		sess.Rollback(prevUsed)
		sess.Unlock()
		return
	}

	reqHeaders := headerMap(r.Header)
	if e.redacting {
		reqHeaders = e.redactor.Headers(reqHeaders)
	}
	reqBytes := store.EncodeRequestRecord(r.Method, r.URL.Path, reqHeaders, nil)

	var mu sync.Mutex
	var chunks [][]byte
	capture := func(direction wsframe.Direction, messageType int, payload []byte) {
		stored := payload
		if e.redacting {
			stored = e.redactor.Bytes(payload)
		}
		enc := wsframe.Encode(wsframe.Chunk{
			Direction:   direction,
			Opcode:      messageType,
			Data:        stored,
			TimestampNs: e.nowNs(),
		})
		mu.Lock()
		chunks = append(chunks, enc)
		mu.Unlock()
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relay(clientConn, upstreamConn, wsframe.ClientToServer, capture, closeBoth, &wg)
	go relay(upstreamConn, clientConn, wsframe.ServerToClient, capture, closeBoth, &wg)
	wg.Wait()
	closeBoth()

	var flags store.Flags = store.FlagWebSocket | store.FlagStreaming
	if e.redacting {
		flags |= store.FlagRedacted
	}
	respBytes := store.EncodeResponseRecord(http.StatusSwitchingProtocols, nil, nil, chunks)
	if err := sess.Writer.AppendInteraction(storageKey, prevUsed, reqBytes, respBytes, http.StatusSwitchingProtocols, flags, e.nowNs()); err != nil {
		e.log.Printf("websocket append failed: %v", err)
	} else if e.redacting {
		e.reportRedactionHits()
	}
	sess.Unlock()
}

// relay copies frames from src to dst, capturing each one, until src
// closes or errors. Used for both directions of a WebSocket conversation.
func relay(src, dst *websocket.Conn, direction wsframe.Direction, capture func(wsframe.Direction, int, []byte), onDone func(), wg *sync.WaitGroup) {
	defer wg.Done()
	defer onDone()
	for {
		mt, payload, err := src.ReadMessage()
		if err != nil {
			return
		}
		capture(direction, mt, payload)
		if err := dst.WriteMessage(mt, payload); err != nil {
			return
		}
	}
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}
