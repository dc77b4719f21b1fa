package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/improvstage/internal/turn"
)

const (
	streamReadTimeout  = 120 * time.Second
	streamWriteTimeout = 10 * time.Second
)

type streamFrame struct {
	Type   string       `json:"type"`
	Result *turn.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
	Code   string       `json:"code,omitempty"`
	Status int          `json:"status,omitempty"`
}

// handleSessionStream plays a scene over one websocket. Each text frame is a
// turn request; each reply is a turn_result or error frame. Turns run in
// arrival order.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("stream_connected")
	defer s.metrics.SessionEvent("stream_disconnected")

	ctx := r.Context()
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	write := func(f streamFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			s.logger.Debug("stream write failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			return false
		}
		return true
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		var req turnRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !write(streamFrame{Type: "error", Error: "invalid turn frame", Code: "invalid_request", Status: http.StatusBadRequest}) {
				return
			}
			continue
		}
		res, err := s.runTurn(ctx, sessionID, req)
		if err != nil {
			status, body := statusFor(err)
			if !write(streamFrame{Type: "error", Error: body.Error, Code: body.Code, Status: status}) {
				return
			}
			continue
		}
		if !write(streamFrame{Type: "turn_result", Result: res}) {
			return
		}
	}
}
