package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func anthropicMessage(blocks ...string) map[string]any {
	content := make([]map[string]any, 0, len(blocks))
	for _, text := range blocks {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	return map[string]any{
		"id":            "msg_1",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-sonnet-4-5",
		"content":       content,
		"stop_reason":   "end_turn",
		"stop_sequence": "",
		"usage":         map[string]any{"input_tokens": 10, "output_tokens": len(blocks)},
	}
}

func TestAnthropicCompleteSeparatesSystemPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")

		var req struct {
			Model     string `json:"model"`
			MaxTokens int64  `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}

		if req.Model != "claude-sonnet-4-5" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if req.MaxTokens != anthropicMaxTokens {
			t.Errorf("expected max_tokens %d, got %d", anthropicMaxTokens, req.MaxTokens)
		}
		if len(req.System) != 1 || req.System[0].Text != "You advise on renovations." {
			t.Errorf("expected system prompt in top-level system field, got %#v", req.System)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "user" || req.Messages[1].Role != "assistant" {
			t.Errorf("unexpected chat messages: %#v", req.Messages)
		}

		_ = json.NewEncoder(w).Encode(anthropicMessage(" Start with ", "a moisture survey. "))
	}))
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-sonnet-4-5", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	got, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: "You advise on renovations."},
		{Role: "user", Content: "Damp patch under the window."},
		{Role: "assistant", Content: "How old is the window?"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "Start with a moisture survey." {
		t.Fatalf("expected combined trimmed text, got %q", got)
	}
}

func TestAnthropicCompleteEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(anthropicMessage())
	}))
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-sonnet-4-5", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{{Role: "user", Content: "tiles"}})
	if err == nil || !strings.Contains(err.Error(), "empty response") {
		t.Fatalf("expected 'empty response' error, got %v", err)
	}
}

func TestAnthropicStream(t *testing.T) {
	events := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-test\",\"content\":[],\"stop_reason\":null,\"stop_sequence\":null,\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: ping\ndata: {\"type\":\"ping\"}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Seal \"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"the deck\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":3}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}
	server := sseServer(t, "/v1/messages", events)
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-test", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	var deltas []string
	err = client.Stream(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "deck is grey"},
	}, collect(&deltas))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if strings.Join(deltas, "") != "Seal the deck" {
		t.Fatalf("unexpected deltas %q", deltas)
	}
}
