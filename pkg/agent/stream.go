package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// inboundMessage is the client → server frame on the live channel.
type inboundMessage struct {
	Content string `json:"content"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API surface enforces origin policy via CORS configuration;
	// the socket itself authenticates through the session middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamHandler multiplexes a session's live channel: pod stdout lines are
// parsed into progress events and forwarded to the client, inbound frames
// are fed into SendMessage.
type StreamHandler struct {
	service *Service
	logger  *slog.Logger
}

// NewStreamHandler creates a live channel handler.
func NewStreamHandler(service *Service, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{service: service, logger: logger}
}

// ServeSession upgrades the request and runs the bidirectional loop until
// either side closes or the pod's log stream ends.
func (h *StreamHandler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	session, err := h.service.Store().Get(r.Context(), sessionID)
	if err != nil || session.Status != StatusRunning {
		http.Error(w, "session is not running", http.StatusConflict)
		return
	}

	provider, err := ResolveProvider(session.Provider)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading session socket", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	scanner, closer, err := h.service.LogLines(ctx, sessionID)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "log stream unavailable"})
		return
	}
	defer closer.Close()

	// Inbound: client messages → pod stdin.
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg inboundMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Content == "" {
				continue
			}
			if err := h.service.SendMessage(ctx, sessionID, msg.Content); err != nil {
				h.logger.Warn("forwarding session message", "session_id", sessionID, "error", err)
			}
		}
	}()

	// Outbound: pod stdout lines → parsed events → message store + client.
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		event, ok := provider.ParseProgress(scanner.Text())
		if !ok {
			continue
		}

		kind := string(event.Kind)
		if err := h.service.Store().AddMessage(ctx, sessionID, "assistant", &kind, event.Message, event.Metadata); err != nil {
			h.logger.Warn("persisting progress event", "session_id", sessionID, "error", err)
		}
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
