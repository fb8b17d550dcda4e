package handlers

import (
	"net/http"

	"github.com/camden-git/thumbworks/realtime"
)

// WSHandler upgrades authenticated clients onto the realtime hub
type WSHandler struct {
	Hub *realtime.Hub
}

func NewWSHandler(hub *realtime.Hub) *WSHandler {
	return &WSHandler{Hub: hub}
}

// Serve handles GET /api/ws. AuthMiddleware has already validated the
// token (browsers pass it as a query parameter here).
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	h.Hub.ServeWS(w, r, userID)
}
