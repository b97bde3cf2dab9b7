package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// killGrace is how long Close waits after SIGTERM before sending SIGKILL.
const killGrace = 5 * time.Second

// StdioTransport communicates with an MCP server via stdin/stdout of a
// spawned subprocess. One transport owns exactly one process for its whole
// lifetime; it is not restartable.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer

	writeMu sync.Mutex // serializes writes to stdin

	pending map[int64]chan JSONRPCResponse
	pendMu  sync.Mutex

	notifications chan JSONRPCRequest
	decodeErrs    atomic.Int64

	// exitCode/exitErr are written once before done is closed.
	exitCode int
	exitErr  error
	done     chan struct{}

	closeOnce sync.Once
}

// NewStdioTransport spawns the subprocess described by desc and returns a
// transport speaking newline-delimited JSON-RPC over its stdin/stdout. The
// process inherits the parent environment plus any overrides in desc.Env.
func NewStdioTransport(desc ServerDescriptor) (*StdioTransport, error) {
	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Dir = desc.Cwd

	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", desc.Command, err)
	}

	t := &StdioTransport{
		cmd:           cmd,
		stdin:         stdinPipe,
		stdout:        stdoutPipe,
		stderr:        &stderrBuf,
		pending:       make(map[int64]chan JSONRPCResponse),
		notifications: make(chan JSONRPCRequest, 16),
		done:          make(chan struct{}),
	}

	go t.readLoop()

	return t, nil
}

// readLoop reads lines from stdout until the process exits, dispatching
// responses to pending channels and server-initiated notifications to the
// notifications channel. It owns the call to cmd.Wait: the exit state is
// recorded exactly once, before done is closed.
func (t *StdioTransport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	// Allow large JSON payloads (1 MB)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *int64          `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			Result  json.RawMessage `json:"result"`
			Error   *JSONRPCError   `json:"error"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			// Could be stray log output from the server; count it and move on.
			t.decodeErrs.Add(1)
			continue
		}

		// A method without an id is a server-initiated notification.
		if msg.ID == nil {
			if msg.Method != "" {
				select {
				case t.notifications <- JSONRPCRequest{JSONRPC: msg.JSONRPC, Method: msg.Method, Params: msg.Params}:
				default: // observer is slow, drop rather than stall the reader
				}
			} else {
				t.decodeErrs.Add(1)
			}
			continue
		}

		resp := JSONRPCResponse{JSONRPC: msg.JSONRPC, ID: *msg.ID, Result: msg.Result, Error: msg.Error}

		t.pendMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendMu.Unlock()

		// A response with no waiter is stale (its request timed out); drop it.
		if ok {
			ch <- resp
		}
	}

	// EOF: the process closed stdout, almost always because it exited.
	err := t.cmd.Wait()
	t.exitErr = err
	if t.cmd.ProcessState != nil {
		t.exitCode = t.cmd.ProcessState.ExitCode()
	}
	close(t.done)
	close(t.notifications)
}

// Send writes a JSON-RPC request to stdin and waits for the correlated
// response. Responses are matched strictly by id, never by arrival order.
func (t *StdioTransport) Send(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	if req.ID == nil {
		return JSONRPCResponse{}, fmt.Errorf("Send requires a request with an ID; use Notify for notifications")
	}
	id := *req.ID

	// Register the waiter before writing to avoid racing a fast response.
	ch := make(chan JSONRPCResponse, 1)
	t.pendMu.Lock()
	t.pending[id] = ch
	t.pendMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.unregister(id)
		return JSONRPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	t.writeMu.Lock()
	_, writeErr := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()

	if writeErr != nil {
		t.unregister(id)
		return JSONRPCResponse{}, fmt.Errorf("write to stdin: %w", writeErr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.unregister(id)
		return JSONRPCResponse{}, ctx.Err()
	case <-t.done:
		t.unregister(id)
		return JSONRPCResponse{}, fmt.Errorf("%w: %s", ErrConnectionClosed, t.stderrTail())
	}
}

// Notify writes a JSON-RPC notification (no ID, no response expected).
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Notifications returns server-initiated notifications. The channel is
// closed when the process exits.
func (t *StdioTransport) Notifications() <-chan JSONRPCRequest {
	return t.notifications
}

// Done is closed once the subprocess has exited and its exit state recorded.
func (t *StdioTransport) Done() <-chan struct{} { return t.done }

// ExitState reports how the subprocess ended. Only valid after Done is closed.
func (t *StdioTransport) ExitState() (int, error) {
	select {
	case <-t.done:
		return t.exitCode, t.exitErr
	default:
		return 0, nil
	}
}

// DecodeErrors reports how many unparseable stdout lines were skipped.
func (t *StdioTransport) DecodeErrors() int64 { return t.decodeErrs.Load() }

// Close terminates the subprocess: close stdin, SIGTERM, wait out the grace
// period, SIGKILL. Pending waiters are released with ErrConnectionClosed by
// the reader shutting down. Idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdin.Close()

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-t.done:
			// Process exited within the grace period.
		case <-time.After(killGrace):
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-t.done
		}
	})
	return nil
}

func (t *StdioTransport) unregister(id int64) {
	t.pendMu.Lock()
	delete(t.pending, id)
	t.pendMu.Unlock()
}

// stderrTail returns the last chunk of captured stderr, enough to make the
// failure readable without dumping the whole stream.
func (t *StdioTransport) stderrTail() string {
	const max = 512
	s := t.stderr.String()
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	if s == "" {
		return "process exited"
	}
	return s
}
