package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentsh/agentgate/internal/events"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 200
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
)

// streamEvents delivers notifications for one session (?session_id=) or for
// all sessions. A websocket upgrade gets JSON text frames; any other client
// gets server-sent events.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event stream not configured"})
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if websocket.IsWebSocketUpgrade(r) {
		a.streamEventsWS(w, r, sessionID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(sessionID, streamBuffer)
	defer a.broker.Unsubscribe(sessionID, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = w.Write([]byte("event: " + ev.Type + "\ndata: "))
			if err := enc.Encode(a.sanitizer.SanitizeEvent(ev)); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (a *App) streamEventsWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	up := websocket.Upgrader{
		// Auth middleware already applied; approval UIs may be served from any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ch := a.broker.Subscribe(sessionID, streamBuffer)
	defer a.broker.Unsubscribe(sessionID, ch)

	// The client sends nothing we act on; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	if err := writeWS(conn, types.Event{Type: "ready", Timestamp: time.Now().UTC()}, a.sanitizer); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeWS(conn, ev, a.sanitizer); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, ev types.Event, san *events.Sanitizer) error {
	b, err := json.Marshal(san.SanitizeEvent(ev))
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
