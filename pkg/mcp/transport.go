package mcp

import "context"

// Transport abstracts the wire between the client and one MCP server.
type Transport interface {
	// Send transmits a request and blocks until the response with the same
	// id arrives, the transport ends, or ctx is done.
	Send(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)

	// Notify transmits a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Close tears the transport down. Pending Send callers are released
	// with ErrConnectionClosed. Close is idempotent.
	Close() error
}

// notifyingTransport is implemented by transports that can surface
// server-initiated notifications.
type notifyingTransport interface {
	Notifications() <-chan JSONRPCRequest
}

// processTransport is implemented by transports that own a subprocess.
// Done is closed when the process ends; ExitState is valid after that.
type processTransport interface {
	Done() <-chan struct{}
	ExitState() (code int, err error)
}
