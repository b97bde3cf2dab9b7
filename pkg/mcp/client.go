package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// handshakeTimeout bounds the whole initialize exchange.
	handshakeTimeout = 30 * time.Second

	// defaultRequestTimeout applies when the caller's context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	reconnectAttempts = 3
	reconnectBackoff  = time.Second
)

// DialFunc spawns a transport for a server descriptor. The default dialer
// launches a stdio subprocess.
type DialFunc func(desc ServerDescriptor) (Transport, error)

func stdioDial(desc ServerDescriptor) (Transport, error) {
	return NewStdioTransport(desc)
}

// Client is a session with one MCP server: it owns the transport, performs
// the initialize handshake, correlates requests with responses by id, and
// reconnects after unexpected server exits. All methods are safe for
// concurrent use.
type Client struct {
	desc   ServerDescriptor
	dial   DialFunc
	logger *slog.Logger

	requestTimeout time.Duration

	nextID atomic.Int64

	mu            sync.Mutex
	transport     Transport
	connected     bool
	closed        bool
	serverInfo    ServerInfo
	capabilities  ServerCapabilities
	eventsClosed  bool
	toolCount     int
	resourceCount int
	lastActivity  time.Time

	events chan Event

	requestsSent atomic.Int64
	failures     atomic.Int64
	reconnects   atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithDialer replaces the transport factory. Used to connect over HTTP or to
// inject a transport in tests.
func WithDialer(d DialFunc) ClientOption {
	return func(c *Client) { c.dial = d }
}

// WithRequestTimeout sets the timeout applied to requests whose context
// carries no deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// NewClient creates a client for the given server. The client does not
// connect until Connect is called.
func NewClient(desc ServerDescriptor, opts ...ClientOption) *Client {
	c := &Client{
		desc:           desc,
		dial:           stdioDial,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		events:         make(chan Event, 32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect spawns the server process and runs the initialize handshake:
// initialize request, capability check, then the initialized notification.
// Failures anywhere in the exchange are reported as a HandshakeError and the
// process is torn down. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	t, err := c.dial(c.desc)
	if err != nil {
		return &HandshakeError{Server: c.desc.Name, Err: err}
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	result, err := c.handshake(hctx, t)
	if err != nil {
		t.Close()
		return &HandshakeError{Server: c.desc.Name, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return ErrConnectionClosed
	}
	if c.connected {
		// A concurrent Connect won the race; its transport stays, ours goes.
		c.mu.Unlock()
		t.Close()
		return nil
	}
	c.transport = t
	c.connected = true
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.mu.Unlock()

	go c.watch(t)

	c.logger.Info("mcp server connected",
		"server", c.desc.Name,
		"serverName", result.ServerInfo.Name,
		"serverVersion", result.ServerInfo.Version)

	// Warm the session with an initial listing so the first real caller
	// does not pay for it.
	if result.Capabilities.Tools != nil {
		if _, err := c.GetTools(ctx); err != nil {
			c.logger.Warn("initial tools listing failed", "server", c.desc.Name, "error", err)
		}
	}

	c.emit(Event{Type: EventConnected, Server: c.desc.Name, Time: time.Now()})
	return nil
}

// handshake performs the initialize exchange on a fresh transport.
func (c *Client) handshake(ctx context.Context, t Transport) (*InitializeResult, error) {
	id := c.nextID.Add(1)
	resp, err := t.Send(ctx, newRequest(id, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      ClientInfo{Name: "mcppool", Version: "0.1.0"},
	}))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: initialize", ErrRequestTimeout)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize rejected: %w", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed initialize result: %w", err)
	}

	if err := t.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}

// watch follows one transport for its lifetime: it forwards server-initiated
// notifications as events and, when the process dies unexpectedly with a
// non-zero exit, drives the reconnect loop.
func (c *Client) watch(t Transport) {
	pt, isProc := t.(processTransport)

	if nt, ok := t.(notifyingTransport); ok {
		for n := range nt.Notifications() {
			c.emit(Event{
				Type:   EventNotification,
				Server: c.desc.Name,
				Time:   time.Now(),
				Method: n.Method,
				Params: n.Params,
			})
		}
	} else if isProc {
		<-pt.Done()
	} else {
		return
	}

	var code int
	var exitErr error
	if isProc {
		code, exitErr = pt.ExitState()
	}

	c.mu.Lock()
	if c.closed || c.transport != t {
		// Deliberate disconnect, or the transport was already replaced.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.transport = nil
	c.mu.Unlock()

	err := fmt.Errorf("server %q exited with code %d", c.desc.Name, code)
	if exitErr != nil {
		err = fmt.Errorf("server %q exited with code %d: %v", c.desc.Name, code, exitErr)
	}
	c.logger.Warn("mcp server exited", "server", c.desc.Name, "exitCode", code)
	c.emit(Event{Type: EventDisconnected, Server: c.desc.Name, Time: time.Now(), Err: err})

	// A clean exit means the server chose to stop; only crashes are retried.
	if code == 0 {
		return
	}
	c.reconnect()
}

// reconnect retries Connect with a linearly growing delay between attempts.
func (c *Client) reconnect() {
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * reconnectBackoff)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed",
				"server", c.desc.Name, "attempt", attempt, "error", err)
			continue
		}
		c.reconnects.Add(1)
		return
	}

	err := fmt.Errorf("server %q unreachable after %d reconnect attempts", c.desc.Name, reconnectAttempts)
	c.logger.Error("giving up on server", "server", c.desc.Name, "attempts", reconnectAttempts)
	c.emit(Event{Type: EventError, Server: c.desc.Name, Time: time.Now(), Err: err})
}

// Request sends a JSON-RPC request and returns the raw result. Each request
// gets a fresh id; responses are matched by id, never by arrival order. When
// ctx carries no deadline the client's request timeout applies, and expiry is
// reported as ErrRequestTimeout.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	t := c.transport
	live := c.connected && !c.closed
	c.mu.Unlock()

	if !live || t == nil {
		return nil, ErrConnectionClosed
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	c.requestsSent.Add(1)
	resp, err := t.Send(ctx, newRequest(c.nextID.Add(1), method, params))
	if err != nil {
		c.failures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return nil, err
	}
	if resp.Error != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("%s: %w", method, resp.Error)
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return resp.Result, nil
}

// Notify sends a JSON-RPC notification. No response is awaited.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	t := c.transport
	live := c.connected && !c.closed
	c.mu.Unlock()

	if !live || t == nil {
		return ErrConnectionClosed
	}
	return t.Notify(ctx, method, params)
}

// Ping checks liveness with a lightweight tools/list round trip and reports
// how long it took.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Request(ctx, MethodToolsList, struct{}{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// GetTools lists the tools exposed by the server.
func (c *Client) GetTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Request(ctx, MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}

	c.mu.Lock()
	c.toolCount = len(result.Tools)
	c.mu.Unlock()
	return result.Tools, nil
}

// GetResources lists the resources exposed by the server. Servers that do not
// implement resources reject the call; that is treated as an empty listing.
func (c *Client) GetResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.Request(ctx, MethodResourcesList, struct{}{})
	if err != nil {
		if isServerRejection(err) {
			return nil, nil
		}
		return nil, err
	}
	var result ResourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources list: %w", err)
	}

	c.mu.Lock()
	c.resourceCount = len(result.Resources)
	c.mu.Unlock()
	return result.Resources, nil
}

// GetPrompts lists the prompt templates exposed by the server, with the same
// tolerance for servers that do not implement prompts.
func (c *Client) GetPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.Request(ctx, MethodPromptsList, struct{}{})
	if err != nil {
		if isServerRejection(err) {
			return nil, nil
		}
		return nil, err
	}
	var result PromptsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse prompts list: %w", err)
	}
	return result.Prompts, nil
}

// Disconnect tears the session down: stdin closes, the process gets SIGTERM
// and, after the grace period, SIGKILL. Pending requests are released with
// ErrConnectionClosed. Safe to call twice.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}

	if wasConnected {
		c.emit(Event{Type: EventDisconnected, Server: c.desc.Name, Time: time.Now()})
	}

	c.mu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.mu.Unlock()

	return err
}

// Events exposes the connection's lifecycle events. The channel is buffered;
// events are dropped when the consumer falls behind, and the channel closes
// on Disconnect.
func (c *Client) Events() <-chan Event { return c.events }

// emit delivers an event without blocking. It holds mu so no event can race
// the channel close in Disconnect.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// Connected reports whether the session currently has a live transport.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Name returns the descriptor name the client was created with.
func (c *Client) Name() string { return c.desc.Name }

// ServerInfo returns the identity the server reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Capabilities returns the capability set the server reported during the
// handshake.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// ClientMetrics is a point-in-time snapshot of per-connection state.
type ClientMetrics struct {
	Connected       bool
	ToolCount       int
	ResourceCount   int
	LastActivity    time.Time
	RequestsSent    int64
	RequestFailures int64
	Reconnects      int64
	DecodeErrors    int64
}

// Metrics returns the connection's rolling metrics. DecodeErrors counts
// unparseable stdout lines on the current transport.
func (c *Client) Metrics() ClientMetrics {
	m := ClientMetrics{
		RequestsSent:    c.requestsSent.Load(),
		RequestFailures: c.failures.Load(),
		Reconnects:      c.reconnects.Load(),
	}

	c.mu.Lock()
	m.Connected = c.connected && !c.closed
	m.ToolCount = c.toolCount
	m.ResourceCount = c.resourceCount
	m.LastActivity = c.lastActivity
	t := c.transport
	c.mu.Unlock()

	if st, ok := t.(*StdioTransport); ok {
		m.DecodeErrors = st.DecodeErrors()
	}
	return m
}
