package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/homebase/internal/auth"
)

// HandleWebSocket returns an HTTP handler that upgrades authenticated
// connections and runs them as Hub clients.
func HandleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // clients authenticate with a bearer token, not cookies
		})
		if err != nil {
			hub.logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		hub.logger.Debug("websocket connected", "member_id", ac.MemberID, "family_id", ac.FamilyID)
		NewClient(hub, conn, ac).Run(r.Context())
	}
}
