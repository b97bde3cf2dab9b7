package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// mockTransport implements Transport with pre-programmed responses. It also
// implements the process and notification extensions so client lifecycle
// paths can be driven without a real subprocess.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage // method → result JSON
	errors    map[string]*JSONRPCError   // method → error response
	delays    map[string]time.Duration   // method → artificial latency
	closed    bool
	notified  []string // methods sent as notifications
	sent      []string // methods sent as requests

	notifications chan JSONRPCRequest
	done          chan struct{}
	exitCode      int
	exitOnce      sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses:     make(map[string]json.RawMessage),
		errors:        make(map[string]*JSONRPCError),
		delays:        make(map[string]time.Duration),
		notifications: make(chan JSONRPCRequest, 8),
		done:          make(chan struct{}),
	}
}

// withInitialize configures the mock to answer initialize with the given
// capabilities.
func (m *mockTransport) withInitialize(caps ServerCapabilities) *mockTransport {
	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      ServerInfo{Name: "mock-server", Version: "1.0"},
	}
	data, _ := json.Marshal(result)
	m.responses[MethodInitialize] = data
	return m
}

// withTools configures the mock to answer tools/list with the given tools.
func (m *mockTransport) withTools(tools []Tool) *mockTransport {
	data, _ := json.Marshal(ToolsListResult{Tools: tools})
	m.responses[MethodToolsList] = data
	return m
}

// withResources configures the mock to answer resources/list.
func (m *mockTransport) withResources(resources []Resource) *mockTransport {
	data, _ := json.Marshal(ResourcesListResult{Resources: resources})
	m.responses[MethodResourcesList] = data
	return m
}

// withPrompts configures the mock to answer prompts/list.
func (m *mockTransport) withPrompts(prompts []Prompt) *mockTransport {
	data, _ := json.Marshal(PromptsListResult{Prompts: prompts})
	m.responses[MethodPromptsList] = data
	return m
}

// withError configures the mock to answer a method with a JSON-RPC error.
func (m *mockTransport) withError(method string, code int, msg string) *mockTransport {
	m.errors[method] = &JSONRPCError{Code: code, Message: msg}
	return m
}

// withDelay makes the mock sit on a method before answering.
func (m *mockTransport) withDelay(method string, d time.Duration) *mockTransport {
	m.delays[method] = d
	return m
}

// exit simulates the subprocess ending with the given code.
func (m *mockTransport) exit(code int) {
	m.exitOnce.Do(func() {
		m.mu.Lock()
		m.exitCode = code
		m.mu.Unlock()
		close(m.done)
		close(m.notifications)
	})
}

// sentMethods returns the request methods seen so far.
func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) Send(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	if req.ID == nil {
		return JSONRPCResponse{}, fmt.Errorf("request without id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return JSONRPCResponse{}, ErrConnectionClosed
	}
	m.sent = append(m.sent, req.Method)
	delay := m.delays[req.Method]
	rpcErr := m.errors[req.Method]
	result, ok := m.responses[req.Method]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return JSONRPCResponse{}, ctx.Err()
		}
	}

	if rpcErr != nil {
		return JSONRPCResponse{JSONRPC: "2.0", ID: *req.ID, Error: rpcErr}, nil
	}
	if !ok {
		return JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      *req.ID,
			Error:   &JSONRPCError{Code: CodeMethodNotFound, Message: "Method not found: " + req.Method},
		}, nil
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: *req.ID, Result: result}, nil
}

func (m *mockTransport) Notify(_ context.Context, method string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrConnectionClosed
	}
	m.notified = append(m.notified, method)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.exit(0)
	return nil
}

// isClosed reports whether Close has been called.
func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) Notifications() <-chan JSONRPCRequest { return m.notifications }

func (m *mockTransport) Done() <-chan struct{} { return m.done }

func (m *mockTransport) ExitState() (int, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.exitCode, nil
	default:
		return 0, nil
	}
}
