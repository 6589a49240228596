package bioapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// progressUpgrader mirrors the teacher's upgrader: origin checking is left
// to whatever reverse proxy terminates TLS in front of this service.
var progressUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProgress upgrades the connection and relays one index build's
// progress events until either side closes the socket, grounded directly
// on the teacher's WSHandler.HandleWS subscribe loop, simplified to a
// single implicit subscription (the path parameter) instead of a
// client-driven subscribe/unsubscribe protocol.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")
	if s.Indexer == nil || s.Indexer.Progress == nil {
		writeError(w, badRequest("progress streaming is not configured"))
		return
	}

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("progress ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.Indexer.Progress.Subscribe(index)
	defer unsubscribe()

	// Drain client frames (close detection) on its own goroutine; this
	// handler never expects inbound messages beyond the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(map[string]any{"type": "progress", "data": ev}); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
