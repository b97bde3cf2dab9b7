package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// writeServerScript drops a Go source file into a temp dir so tests can spawn
// it with `go run`.
func writeServerScript(t *testing.T, name, src string) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, name)
	if err := os.WriteFile(script, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return script
}

// testEchoServer creates a small Go program that acts as an MCP echo server:
// it answers initialize and tools/list and echoes empty results otherwise.
func testEchoServer(t *testing.T) string {
	t.Helper()
	return writeServerScript(t, "echo_server.go", `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type Request struct {
	JSONRPC string          `+"`"+`json:"jsonrpc"`+"`"+`
	ID      *int64          `+"`"+`json:"id,omitempty"`+"`"+`
	Method  string          `+"`"+`json:"method"`+"`"+`
	Params  json.RawMessage `+"`"+`json:"params,omitempty"`+"`"+`
}

type Response struct {
	JSONRPC string          `+"`"+`json:"jsonrpc"`+"`"+`
	ID      int64           `+"`"+`json:"id"`+"`"+`
	Result  json.RawMessage `+"`"+`json:"result,omitempty"`+"`"+`
}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		// Notifications have no ID, don't respond
		if req.ID == nil {
			continue
		}

		var result json.RawMessage
		switch req.Method {
		case "initialize":
			result = json.RawMessage(` + "`" + `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"echo","version":"1.0"}}` + "`" + `)
		case "tools/list":
			result = json.RawMessage(` + "`" + `{"tools":[{"name":"echo","description":"Echoes input"}]}` + "`" + `)
		default:
			result = json.RawMessage(` + "`" + `{}` + "`" + `)
		}

		resp := Response{JSONRPC: "2.0", ID: *req.ID, Result: result}
		data, _ := json.Marshal(resp)
		fmt.Fprintln(os.Stdout, string(data))
	}
}
`)
}

func echoDescriptor(t *testing.T) ServerDescriptor {
	t.Helper()
	return ServerDescriptor{
		Name:    "echo",
		Command: "go",
		Args:    []string{"run", testEchoServer(t)},
	}
}

func TestStdioTransport_SendReceive(t *testing.T) {
	transport, err := NewStdioTransport(echoDescriptor(t))
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := transport.Send(ctx, newRequest(1, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "test", Version: "0.1"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 1 {
		t.Errorf("expected id 1, got %d", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ServerInfo.Name != "echo" {
		t.Errorf("expected server name 'echo', got %q", result.ServerInfo.Name)
	}
}

func TestStdioTransport_ConcurrentSends(t *testing.T) {
	transport, err := NewStdioTransport(echoDescriptor(t))
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const n = 5
	var wg sync.WaitGroup
	sendErrs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := int64(i + 100)
			resp, err := transport.Send(ctx, newRequest(id, MethodToolsList, nil))
			if err != nil {
				sendErrs[i] = err
				return
			}
			if resp.ID != id {
				sendErrs[i] = fmt.Errorf("expected id %d, got %d", id, resp.ID)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range sendErrs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
}

// TestStdioTransport_OutOfOrderResponses spawns a server that buffers two
// requests and answers them in reverse order. Each caller must still receive
// the response carrying its own id.
func TestStdioTransport_OutOfOrderResponses(t *testing.T) {
	script := writeServerScript(t, "reversed_server.go", `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	var ids []int64
	for scanner.Scan() {
		var req struct {
			ID *int64 `+"`"+`json:"id"`+"`"+`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		ids = append(ids, *req.ID)
		if len(ids) == 2 {
			for i := len(ids) - 1; i >= 0; i-- {
				fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"echo\":%d}}\n", ids[i], ids[i])
			}
			ids = ids[:0]
		}
	}
}
`)

	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "reversed",
		Command: "go",
		Args:    []string{"run", script},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	sendErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := int64(i + 1)
			resp, err := transport.Send(ctx, newRequest(id, "test/echo", nil))
			if err != nil {
				sendErrs[i] = err
				return
			}
			if resp.ID != id {
				sendErrs[i] = fmt.Errorf("expected id %d, got %d", id, resp.ID)
				return
			}
			var result struct {
				Echo int64 `json:"echo"`
			}
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				sendErrs[i] = err
				return
			}
			if result.Echo != id {
				sendErrs[i] = fmt.Errorf("response body for id %d carries %d", id, result.Echo)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range sendErrs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
}

// TestStdioTransport_StaleResponseDropped times out a request, then checks
// that the late response for its id is discarded and the transport keeps
// serving later requests.
func TestStdioTransport_StaleResponseDropped(t *testing.T) {
	script := writeServerScript(t, "slow_server.go", `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     *int64 `+"`"+`json:"id"`+"`"+`
			Method string `+"`"+`json:"method"`+"`"+`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		if req.Method == "slow" {
			id := *req.ID
			go func() {
				time.Sleep(500 * time.Millisecond)
				fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{}}\n", id)
			}()
			continue
		}
		fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{}}\n", *req.ID)
	}
}
`)

	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "slow",
		Command: "go",
		Args:    []string{"run", script},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	// Warm up so `go run` compilation does not eat the short timeout below.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := transport.Send(warmCtx, newRequest(1, "fast", nil)); err != nil {
		warmCancel()
		t.Fatal(err)
	}
	warmCancel()

	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = transport.Send(shortCtx, newRequest(2, "slow", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Let the stale response for id 2 arrive, then confirm the transport is
	// still healthy and the next caller gets its own id.
	time.Sleep(700 * time.Millisecond)

	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	resp, err := transport.Send(ctx, newRequest(3, "fast", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 3 {
		t.Errorf("expected id 3, got %d", resp.ID)
	}
}

func TestStdioTransport_Notify(t *testing.T) {
	transport, err := NewStdioTransport(echoDescriptor(t))
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	if err := transport.Notify(context.Background(), MethodInitialized, nil); err != nil {
		t.Fatal(err)
	}
}

// TestStdioTransport_ServerNotifications checks that messages with a method
// and no id are surfaced on the notifications channel.
func TestStdioTransport_ServerNotifications(t *testing.T) {
	script := writeServerScript(t, "notifying_server.go", `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID *int64 `+"`"+`json:"id"`+"`"+`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		fmt.Println(` + "`" + `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}` + "`" + `)
		fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{}}\n", *req.ID)
	}
}
`)

	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "notifying",
		Command: "go",
		Args:    []string{"run", script},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := transport.Send(ctx, newRequest(1, "anything", nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-transport.Notifications():
		if n.Method != "notifications/progress" {
			t.Errorf("unexpected notification method %q", n.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}

// TestStdioTransport_SkipsGarbageLines checks that non-JSON stdout lines are
// counted and skipped without breaking correlation.
func TestStdioTransport_SkipsGarbageLines(t *testing.T) {
	script := writeServerScript(t, "noisy_server.go", `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID *int64 `+"`"+`json:"id"`+"`"+`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		fmt.Println("starting up, please wait...")
		fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{}}\n", *req.ID)
	}
}
`)

	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "noisy",
		Command: "go",
		Args:    []string{"run", script},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := transport.Send(ctx, newRequest(1, "anything", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 1 {
		t.Errorf("expected id 1, got %d", resp.ID)
	}
	if transport.DecodeErrors() == 0 {
		t.Error("expected the garbage line to be counted")
	}
}

func TestStdioTransport_ProcessExit(t *testing.T) {
	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "crasher",
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	select {
	case <-transport.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	code, exitErr := transport.ExitState()
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	if exitErr == nil {
		t.Error("expected a wait error for non-zero exit")
	}
}

func TestStdioTransport_SendAfterExit(t *testing.T) {
	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "gone",
		Command: "true",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	<-transport.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = transport.Send(ctx, newRequest(1, MethodInitialize, nil))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestStdioTransport_Close(t *testing.T) {
	transport, err := NewStdioTransport(echoDescriptor(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := transport.Send(ctx, newRequest(1, MethodToolsList, nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatal("unexpected error")
	}

	if err := transport.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
	// Close twice is fine.
	if err := transport.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestStdioTransport_EnvOverride(t *testing.T) {
	script := writeServerScript(t, "env_server.go", `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID *int64 `+"`"+`json:"id"`+"`"+`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		fmt.Printf("{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"value\":%q}}\n", *req.ID, os.Getenv("MCP_TEST_VAR"))
	}
}
`)

	transport, err := NewStdioTransport(ServerDescriptor{
		Name:    "env",
		Command: "go",
		Args:    []string{"run", script},
		Env:     map[string]string{"MCP_TEST_VAR": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := transport.Send(ctx, newRequest(1, "env/get", nil))
	if err != nil {
		t.Fatal(err)
	}

	var result struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Value != "hello" {
		t.Errorf("expected env override to reach the child, got %q", result.Value)
	}
}
