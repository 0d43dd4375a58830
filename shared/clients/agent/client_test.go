package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"assistant-orchestrator/shared/config"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(config.Config{AgentServiceURL: url, AgentTimeoutMS: 2000, AgentRetryMax: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/mailer/invoke" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req InvokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(InvokeResponse{Result: map[string]any{"echo": req.Input["text"]}})
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv.URL).Invoke(context.Background(), "mailer", InvokeRequest{TaskID: "t1", Input: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Result["echo"] != "hi" {
		t.Fatalf("unexpected result %#v", out.Result)
	}
}

func TestInvokeRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(InvokeResponse{Result: map[string]any{"ok": true}})
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).Invoke(context.Background(), "a", InvokeRequest{}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestInvokeClientErrorNotRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad input", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Invoke(context.Background(), "a", InvokeRequest{})
	if err == nil || IsRetryable(err) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
