package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/subscription"
)

// hello is the first frame on a live connection.
type hello struct {
	Type    string `json:"type"`
	ConnID  string `json:"conn_id"`
	Channel string `json:"channel"`
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	conn, err := s.hub.Subs.Connect(r.URL.Query().Get("channel"), s.buffer, "sse")
	if err != nil {
		writeError(w, err)
		return
	}
	defer conn.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	b, _ := json.Marshal(hello{Type: "connected", ConnID: conn.ID, Channel: conn.Filter.String()})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", b)
	flusher.Flush()

	ticker := s.hub.Store.Clock().NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C():
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case f, ok := <-conn.Frames():
			if !ok {
				return
			}
			if err := writeSSEFrame(w, f); err != nil {
				s.logger.Debug("sse write failed", "conn", conn.ID, mylog.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, f subscription.Frame) error {
	if f.Gap != nil {
		b, err := json.Marshal(f.Gap)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: gap\ndata: %s\n\n", b)
		return err
	}
	b, err := json.Marshal(f.Event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.Event.ID, f.Event.Type, b)
	return err
}

// websocketHandler validates the channel before upgrading so a bad filter
// is a plain 400.
func (s *Server) websocketHandler() http.Handler {
	ws := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveWebSocket,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := subscription.ParseFilter(r.URL.Query().Get("channel")); err != nil {
			writeError(w, err)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

func (s *Server) serveWebSocket(ws *websocket.Conn) {
	defer ws.Close()
	conn, err := s.hub.Subs.Connect(ws.Request().URL.Query().Get("channel"), s.buffer, "websocket")
	if err != nil {
		return
	}
	defer conn.Close()

	// Clients only send to keep the socket open; a read error means it is gone.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard []byte
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	if err := websocket.JSON.Send(ws, hello{Type: "connected", ConnID: conn.ID, Channel: conn.Filter.String()}); err != nil {
		return
	}
	ctx := ws.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case f, ok := <-conn.Frames():
			if !ok {
				return
			}
			var v any = f.Event
			if f.Gap != nil {
				v = f.Gap
			}
			if err := websocket.JSON.Send(ws, v); err != nil {
				s.logger.Debug("websocket write failed", "conn", conn.ID, mylog.Err(err))
				return
			}
		}
	}
}
