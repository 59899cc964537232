// Package events publishes session lifecycle events to RabbitMQ and
// consumes them into an audit log.
package events

// Event types.
const (
	TypeAuthenticated = "session.authenticated"
	TypeCleared       = "session.cleared"
)

// DefaultQueue is the durable queue both sides declare.
const DefaultQueue = "session.lifecycle"

// SessionEvent is published when a session becomes authenticated or is
// cleared. UserID on a cleared event is the last authenticated user, or
// zero when none was seen.
type SessionEvent struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Rol    string `json:"rol,omitempty"`
	Device string `json:"device"`
	At     string `json:"at"`
}
