package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestChatRequestWireFormat(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "hi there"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, "gpt-4o", "")
	temp := 0.0
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "user", Content: "hello"}},
		JSONMode:    true,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("content = %q", resp.Content)
	}

	if captured["model"] != "gpt-4o" {
		t.Errorf("model = %v", captured["model"])
	}
	rf, _ := captured["response_format"].(map[string]interface{})
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v", captured["response_format"])
	}
	if captured["temperature"] != 0.0 {
		t.Errorf("temperature = %v", captured["temperature"])
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{
					"message": map[string]interface{}{
						"content": "",
						"tool_calls": []map[string]interface{}{
							{
								"id": "call_1",
								"function": map[string]interface{}{
									"name":      "lookup_order",
									"arguments": `{"order_id":"A-17"}`,
								},
							},
						},
					},
					"finish_reason": "tool_calls",
				},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, "gpt-4o", "")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "where is my order?"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "lookup_order" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["order_id"] != "A-17" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2}},
				{"embedding": []float32{0.3, 0.4}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, "gpt-4o", "text-embedding-3-small")
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 {
		t.Errorf("vectors = %v", vecs)
	}
}

func TestRetryDoRecoversFromServerErrors(t *testing.T) {
	calls := 0
	got, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 500, Body: "boom"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryDo: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetryDoStopsOnClientError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		return "", &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("client error retried %d times", calls)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Errorf("err = %v", err)
	}
}

func TestRetryDoExhausts(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		return "", &HTTPError{Status: 503, Body: "unavailable"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestHTTPErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		e := &HTTPError{Status: tt.status}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("2"); got != 2*time.Second {
		t.Errorf("ParseRetryAfter(2) = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty header = %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("non-numeric header = %v", got)
	}
}
