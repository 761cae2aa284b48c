package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	errStreamingDisabled    = errors.New("event streaming is not enabled")
	errStreamingUnsupported = errors.New("response writer does not support streaming")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// subscriptionTypes parses the optional ?types=a,b,c filter. No filter
// subscribes to every kernel event.
func subscriptionTypes(r *http.Request) []string {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// handleSSE streams kernel decision events as Server-Sent Events until
// the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, errStreamingDisabled)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := s.bus.Subscribe(subscriptionTypes(r)...)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			raw, err := event.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket streams kernel decision events as JSON frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, errStreamingDisabled)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(subscriptionTypes(r)...)
	defer s.bus.Unsubscribe(ch)

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
