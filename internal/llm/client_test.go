package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("New without key = %v, want ErrMissingAPIKey", err)
	}
	if _, err := NewEmbedder(Config{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("NewEmbedder without key = %v, want ErrMissingAPIKey", err)
	}
}

func TestCallWithTool(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"function":{"name":"extract_events","arguments":"{\"events\":[]}"}}]}}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	args, err := client.CallWithTool(context.Background(), []Message{{Role: "user", Content: "提取事件"}}, Tool{
		Name:       "extract_events",
		Parameters: map[string]any{"type": "object"},
	})
	if err != nil {
		t.Fatalf("CallWithTool: %v", err)
	}
	if args != `{"events":[]}` {
		t.Errorf("arguments = %q", args)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["tool_choice"] == nil {
		t.Error("request missing forced tool_choice")
	}
}

func TestCallWithToolNoCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"我无法调用工具"}}]}`))
	}))
	defer srv.Close()

	client, _ := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := client.CallWithTool(context.Background(), nil, Tool{Name: "extract_events"})
	if !errors.Is(err, ErrNoToolCall) {
		t.Errorf("err = %v, want ErrNoToolCall", err)
	}
}

func TestCallWithJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["response_format"] == nil {
			t.Error("request missing response_format")
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"events\":[]}"}}]}`))
	}))
	defer srv.Close()

	client, _ := New(Config{BaseURL: srv.URL, APIKey: "k"})
	content, err := client.CallWithJSON(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("CallWithJSON: %v", err)
	}
	if content != `{"events":[]}` {
		t.Errorf("content = %q", content)
	}
}

func TestCallSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := New(Config{BaseURL: srv.URL, APIKey: "k"})
	if _, err := client.CallWithJSON(context.Background(), nil); err == nil {
		t.Error("expected error for 429 response")
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q, want /embeddings", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0.5,0.5]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	embedder, err := NewEmbedder(Config{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	vectors, err := embedder.Embed(context.Background(), "", []string{"甲", "乙"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("len(vectors) = %d, want 2", len(vectors))
	}
	if vectors[0][0] != 1 || vectors[1][0] != 0.5 {
		t.Errorf("vectors out of order: %v", vectors)
	}
}
