package replayengine

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ouli-proxy/ouli/internal/fingerprint"
	"github.com/ouli-proxy/ouli/internal/oulierr"
	"github.com/ouli-proxy/ouli/internal/session"
	"github.com/ouli-proxy/ouli/internal/wsframe"
)

const mismatchCloseGrace = 5 * time.Second

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocketReplay implements §4.6's WebSocket replay paragraph:
// position-strict playback of the stored frame sequence, verifying each
// ClientToServer frame against its redacted recorded payload.
func (e *Engine) serveWebSocketReplay(w http.ResponseWriter, r *http.Request) {
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
	if anonymous && sess.Reader == nil {
		key := session.KeyFromFingerprint(baseHash)
		if err := e.openReader(sess, key); err != nil {
			sess.Rollback(prevUsed)
			sess.Unlock()
			http.Error(w, err.Error(), http.StatusNotFound)
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

	entry, ok := sess.Reader.Lookup(storageKey)
	if !ok {
		sess.Rollback(prevUsed)
		sess.Unlock()
		http.Error(w, "no recorded interaction for this request", http.StatusNotFound)
		return
	}
	decoded, err := sess.Reader.ReadResponse(entry)
	if err != nil {
		sess.Rollback(prevUsed)
		sess.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sess.Unlock()

	clientConn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	for _, raw := range decoded.Chunks {
		chunk, err := wsframe.Decode(raw)
		if err != nil {
			clientConn.Close()
			return
		}
		switch chunk.Direction {
		case wsframe.ServerToClient:
			if err := clientConn.WriteMessage(chunk.Opcode, chunk.Data); err != nil {
				return
			}
		case wsframe.ClientToServer:
			mt, payload, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			stored := chunk.Data
			got := payload
			if e.redacting {
				got = e.redactor.Bytes(payload)
			}
			if mt != chunk.Opcode || !bytes.Equal(got, stored) {
				clientConn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseUnsupportedData,
						fmt.Sprintf("%s: replayed frame does not match recording", oulierr.KindWebSocketMismatch)),
					e.now().Add(mismatchCloseGrace))
				clientConn.Close()
				return
			}
		}
	}
}
