package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when no matching response arrives within
	// the request window.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrConnectionClosed is returned to every waiter when a session is torn
	// down, and by any operation attempted on a closed session.
	ErrConnectionClosed = errors.New("mcp: connection closed")
)

// HandshakeError reports a failed initialize exchange: the process exited
// before responding, the response was malformed, or no response arrived in
// time.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mcp: handshake with %q failed: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// isServerRejection reports whether err is an answer from the server (a
// JSON-RPC error object) rather than a transport failure. Servers that do not
// implement resources or prompts reject those listings, and the caller treats
// the listing as empty; a dead connection is a different matter.
func isServerRejection(err error) bool {
	var rpcErr *JSONRPCError
	return errors.As(err, &rpcErr)
}
