package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/meridianlabs/quotagate/internal/stream"
)

// handleEventsSSE implements GET /api/v1/events?user_id=&service_id=&task_id=
// &from_latest=0|1. The stream ends after the first terminal event, when the
// channel is retired, or when the client goes away.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key, fromLatest, ok := channelParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "user_id, service_id, and task_id are required")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Channel, not Lookup: a reader may connect before the pipeline has
	// published anything for this task.
	sub := s.hub.Channel(key).Subscribe(fromLatest)
	ctx := requestContext(r)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrChannelRetired) {
				s.logger.Debug("sse: channel retired", "channel", key)
			}
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("sse: marshal event", "channel", key, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Debug("sse: client disconnected", "channel", key)
			return
		}
		flusher.Flush()

		if ev.Terminal() {
			return
		}
	}
}

// handleEventsWS is the WebSocket flavor of the event read endpoint, one JSON
// event per message, closed after the terminal event.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key, fromLatest, ok := channelParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "user_id, service_id, and task_id are required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("ws: accept failed", "channel", key, "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.Channel(key).Subscribe(fromLatest)
	ctx := requestContext(r)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrChannelRetired) {
				_ = conn.Close(websocket.StatusGoingAway, "channel retired")
			}
			return
		}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			s.logger.Debug("ws: write failed", "channel", key, "error", err)
			return
		}
		if ev.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "stream complete")
			return
		}
	}
}
