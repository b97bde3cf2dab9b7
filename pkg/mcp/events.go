package mcp

import "time"

// EventType classifies a connection lifecycle event.
type EventType string

const (
	// EventConnected fires after a successful handshake, including reconnects.
	EventConnected EventType = "connected"

	// EventDisconnected fires when the session ends, deliberately or not.
	EventDisconnected EventType = "disconnected"

	// EventError fires on protocol or process failures that do not map to a
	// specific in-flight request.
	EventError EventType = "error"

	// EventNotification fires for each server-initiated notification.
	EventNotification EventType = "notification"
)

// Event describes something that happened on a client connection. Events are
// delivered on a buffered channel; when the consumer falls behind, events are
// dropped rather than blocking the connection.
type Event struct {
	Type   EventType
	Server string
	Time   time.Time

	// Err is set for EventError and for unexpected disconnects.
	Err error

	// Method and Params are set for EventNotification.
	Method string
	Params any
}
