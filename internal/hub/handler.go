package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into authenticated realtime sessions.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler constructs the upgrade handler.
func NewHandler(h *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: h, logger: logger}
}

// ServeWS authenticates `{token, sessionId}` from the query string or the
// auth headers, upgrades the connection, and starts the pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("x-auth-token")
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = r.Header.Get("x-session-id")
	}
	if token == "" || sessionID == "" {
		writeAuthError(w, "Authentication error")
		return
	}

	ipAddress := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ipAddress = host
	}

	session, err := h.hub.Authenticate(r.Context(), token, sessionID, ipAddress, r.UserAgent())
	if err != nil {
		h.logger.Warn("handshake rejected", zap.Error(err))
		writeAuthError(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		h.hub.Disconnect(session, "upgrade failed")
		return
	}
	session.Attach(conn)

	// The request context dies with this handler; the pumps own the
	// connection lifetime from here.
	go session.WritePump()
	go session.ReadPump(context.Background())
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
