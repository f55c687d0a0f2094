package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"findkin/internal/app"
	"findkin/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced at the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleNotificationStream upgrades the connection and hands it to the hub.
// The connection cap is checked before the initial batch is sent so a
// rejected client sees a close frame, not a half-open stream.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	session := notify.NewSession(actor.ID, conn, s.sessionBuffer)
	if err := s.notifier.Attach(session); err != nil {
		if errors.Is(err, notify.ErrCapacity) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session capacity reached")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
		}
		_ = conn.Close()
		return
	}
	slog.Debug("notification stream attached", "user_id", actor.ID)
	session.Run(s.hub)
}
