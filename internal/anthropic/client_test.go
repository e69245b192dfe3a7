package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func okResponse(text string) string {
	b, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	return string(b)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want %q", got, "test-key")
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}

		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "claude-sonnet-4-5" {
			t.Errorf("model = %q, want %q", req.Model, "claude-sonnet-4-5")
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v, want one user message", req.Messages)
		}
		if !strings.Contains(req.System, "music") {
			t.Errorf("system prompt not forwarded: %q", req.System)
		}

		fmt.Fprint(w, okResponse("[]"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "claude-sonnet-4-5", srv.URL)
	text, err := c.Complete(context.Background(), "You classify music.", "classify these")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "[]" {
		t.Errorf("text = %q, want %q", text, "[]")
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, okResponse("ok"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "claude-sonnet-4-5", srv.URL)
	text, err := c.Complete(context.Background(), "", "prompt")
	if err != nil {
		t.Fatalf("Complete after transient failure: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q, want %q", text, "ok")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server called %d times, want 2", n)
	}
}

func TestCompleteGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "claude-sonnet-4-5", srv.URL)
	_, err := c.Complete(context.Background(), "", "prompt")
	if err == nil {
		t.Fatal("expected error after persistent 500s")
	}
	if !IsTransient(err) {
		t.Errorf("error not marked transient: %v", err)
	}
	if n := calls.Load(); n != maxAttempts {
		t.Errorf("server called %d times, want %d", n, maxAttempts)
	}
}

func TestCompleteDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("bad-key", "claude-sonnet-4-5", srv.URL)
	_, err := c.Complete(context.Background(), "", "prompt")
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if IsTransient(err) {
		t.Errorf("auth failure marked transient: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1 (no retry)", n)
	}
}
