package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter; omitting it subscribes to everything.
//
// Example connection URL:
//
//	ws://host:8080/api/v1/ws?topics=pose,state
type WSHandler struct {
	broker *websocket.Broker
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(broker *websocket.Broker, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		broker: broker,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws. It builds the topic list, upgrades the
// connection, and serves the telemetry session. The handler blocks until
// the connection closes — expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	session, err := websocket.Attach(h.broker, w, r, topics, h.logger)
	if err != nil {
		// The response has already been written by the upgrader on error.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: session connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	session.Serve()

	h.logger.Info("ws: session closed", zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics builds the topic list from the `topics` query parameter.
// Unknown topic strings are kept but never published to; an empty parameter
// subscribes to all telemetry topics.
func resolveTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return websocket.AllTopics
	}

	seen := make(map[string]struct{})
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}
