package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/botforge-io/botforge/internal/pipeline"
)

// statusPushInterval is how often the websocket stream emits run snapshots.
const statusPushInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients embed the widget on customer domains.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handlePipelineWS streams run status snapshots once per second until the
// run reaches a terminal state, then sends a final snapshot and closes.
func (s *Server) handlePipelineWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Reject unknown runs before upgrading so the client gets a JSON 404.
	view, err := s.tracker.Status(r.Context(), id)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(view); err != nil {
			s.logger.Debug("websocket write failed", "run_id", id, "error", err)
			return
		}
		if view.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		view, err = s.tracker.Status(r.Context(), id)
		if err != nil {
			if !errors.Is(err, pipeline.ErrRunNotFound) {
				s.logger.Error("run status lookup failed", "run_id", id, "error", err)
			}
			return
		}
	}
}
