package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // admin-authenticated; origin enforced at the proxy
}

// handleStream upgrades to a WebSocket and forwards the admin event feed:
// session creations, feedback applications, weight edits. A client that
// reconnects passes last_event_id to replay what it missed from the ring
// buffer; an optional types filter narrows the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	typeFilter := map[string]struct{}{}
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	var lastID uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInvalidInput, "last_event_id must be an unsigned integer")
			return
		}
		lastID = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	wants := func(eventType string) bool {
		if len(typeFilter) == 0 {
			return true
		}
		_, ok := typeFilter[eventType]
		return ok
	}

	ch := s.hub.Subscribe(256)
	defer s.hub.Unsubscribe(ch)

	// Replay before live delivery so the client sees events in seq order.
	if lastID > 0 {
		for _, ev := range s.hub.ReplaySince(lastID) {
			if !wants(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump: the feed is one-way, but reads must run to notice
	// closes and service pong frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !wants(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
