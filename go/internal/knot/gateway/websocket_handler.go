package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/session"
)

// WebSocketHandler handles WebSocket upgrade requests for knot connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	sessions          *session.Manager
	countdown         Countdown
}

func NewWebSocketHandler(cm *ConnectionManager, sessions *session.Manager, cd Countdown) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		sessions:          sessions,
		countdown:         cd,
	}
}

// HandleKnotConnection upgrades the request. Connections are anonymous and
// identified only by the id assigned here.
func (h *WebSocketHandler) HandleKnotConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.connectionManager.UpgradeConnection(w, r); err != nil {
		// the upgrader has already written the HTTP error
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
	}
}

// StatsResponse is the body of /ws/stats
type StatsResponse struct {
	TotalConnections  int `json:"total_connections"`
	WaitingRooms      int `json:"waiting_rooms"`
	ActiveRooms       int `json:"active_rooms"`
	PendingCountdowns int `json:"pending_countdowns"`
}

// HandleConnectionStats returns statistics about connections and rooms
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.sessions.Stats()
	resp := StatsResponse{
		TotalConnections:  h.connectionManager.Count(),
		WaitingRooms:      stats.Waiting,
		ActiveRooms:       stats.Active,
		PendingCountdowns: h.countdown.Pending(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write stats response")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/knot", h.HandleKnotConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
