package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/health"
	"github.com/tilerack/tilerack/go/internal/models"
)

// WebSocketHandler handles WebSocket upgrade requests for session
// connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleSessionConnection handles WebSocket connections for a session.
// The client declares its device class and network type at connect
// time so the debounce and grace policies can adapt.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	// In production the player identity would come from a JWT or
	// session cookie.
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}

	mobile, _ := strconv.ParseBool(r.URL.Query().Get("mobile"))
	meta := health.ConnMeta{
		IsMobile:    mobile,
		NetworkType: models.NetworkType(r.URL.Query().Get("network")),
	}

	if err := h.connectionManager.UpgradeConnection(w, r, sessionID, playerID, meta); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("player_id", playerID).
			Msg("failed to establish session connection")
		// UpgradeConnection already answered on the socket if the
		// upgrade itself succeeded.
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", h.HandleSessionConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
