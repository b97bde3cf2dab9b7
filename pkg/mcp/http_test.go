package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransport_JSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != MethodToolsList {
			t.Errorf("unexpected method %q", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-1")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, *req.ID)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, nil)

	resp, err := transport.Send(context.Background(), newRequest(7, MethodToolsList, nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 7 {
		t.Errorf("expected id 7, got %d", resp.ID)
	}
	if transport.sessionID != "sess-1" {
		t.Errorf("expected session id to be captured, got %q", transport.sessionID)
	}
}

func TestHTTPTransport_SessionHeaderEchoed(t *testing.T) {
	var sawSession string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSession = r.Header.Get("Mcp-Session-Id")
		var req JSONRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Mcp-Session-Id", "sess-9")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, nil)

	if _, err := transport.Send(context.Background(), newRequest(1, "a", nil)); err != nil {
		t.Fatal(err)
	}
	if sawSession != "" {
		t.Errorf("first request must not carry a session id, got %q", sawSession)
	}

	if _, err := transport.Send(context.Background(), newRequest(2, "b", nil)); err != nil {
		t.Fatal(err)
	}
	if sawSession != "sess-9" {
		t.Errorf("second request must echo the assigned session id, got %q", sawSession)
	}
}

func TestHTTPTransport_SSEResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":999,\"result\":{}}\n\n") // some other id
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"ok\":true}}\n\n", *req.ID)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, nil)

	resp, err := transport.Send(context.Background(), newRequest(5, MethodInitialize, nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 5 {
		t.Errorf("expected id 5, got %d", resp.ID)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Error("expected the matching event's payload")
	}
}

func TestHTTPTransport_Notify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID != nil {
			t.Error("notification must not carry an id")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, nil)
	if err := transport.Notify(context.Background(), MethodInitialized, nil); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, nil)
	if _, err := transport.Send(context.Background(), newRequest(1, "x", nil)); err == nil {
		t.Error("expected error for non-200 status")
	}
}
