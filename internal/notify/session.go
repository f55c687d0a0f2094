package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Session is one live push connection for a user. A user may hold many
// sessions at once; the hub groups them into a per-user channel.
type Session struct {
	userID string
	conn   *websocket.Conn
	send   chan Event

	closeOnce sync.Once
}

// NewSession wraps an upgraded websocket connection.
func NewSession(userID string, conn *websocket.Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = 16
	}
	return &Session{
		userID: userID,
		conn:   conn,
		send:   make(chan Event, buffer),
	}
}

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// enqueue offers an event without blocking. A full buffer drops the frame;
// the durable log still holds the notification.
func (s *Session) enqueue(e Event) bool {
	select {
	case s.send <- e:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once, stopping the write pump.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// Run starts both pumps and blocks until the connection drops. The hub is
// notified through unregister when the read side fails.
func (s *Session) Run(hub *Hub) {
	go s.writePump()
	s.readPump(hub)
}

func (s *Session) readPump(hub *Hub) {
	defer func() {
		hub.Unsubscribe(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// The stream is server-to-client; inbound frames are drained only to
		// detect disconnects and service pongs.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("notification session read error", "user_id", s.userID, "err", err)
			}
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case event, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
