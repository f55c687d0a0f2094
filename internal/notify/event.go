package notify

// Event types pushed over a live session.
const (
	EventConnected    = "connected"
	EventInitial      = "initial"
	EventNotification = "notification"
)

// Event is one push frame. Data is marshaled as-is.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
