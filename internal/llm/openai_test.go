package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ivory/internal/agent/ports"
)

func serveJSON(t *testing.T, capture *map[string]any, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
}

func newTestClient(baseURL string) *OpenAIClient {
	return NewOpenAIClient(Config{
		Model:       "test-model",
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Temperature: 0.2,
		MaxTokens:   2048,
	})
}

func TestCallModelFinalText(t *testing.T) {
	var captured map[string]any
	srv := serveJSON(t, &captured, `{
		"choices": [{"message": {"content": "All done."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`)
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.CallModel(context.Background(), ports.ModelRequest{
		SystemPrompt: "You are helpful.",
		Entries: []ports.ConversationEntry{
			{Role: ports.RoleUser, Parts: []ports.ContentPart{ports.TextPart("hi")}},
		},
	})
	if err != nil {
		t.Fatalf("CallModel: %v", err)
	}
	if resp.Text != "All done." || resp.HasToolCalls() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.StopReason != "stop" || resp.Usage.TotalTokens != 16 {
		t.Fatalf("stop/usage not mapped: %+v", resp)
	}

	if captured["model"] != "test-model" || captured["stream"] != false {
		t.Fatalf("request body wrong: %v", captured)
	}
	msgs := captured["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("want system + user message, got %d", len(msgs))
	}
	system := msgs[0].(map[string]any)
	if system["role"] != "system" || system["content"] != "You are helpful." {
		t.Fatalf("system message wrong: %v", system)
	}
}

func TestCallModelToolCalls(t *testing.T) {
	srv := serveJSON(t, nil, `{
		"choices": [{
			"message": {
				"content": "",
				"tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "bash", "arguments": "{\"command\":\"ls\"}"}},
					{"id": "call_2", "type": "function", "function": {"name": "file_read", "arguments": "{broken"}}
				]
			},
			"finish_reason": "tool_calls"
		}]
	}`)
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.CallModel(context.Background(), ports.ModelRequest{
		Entries: []ports.ConversationEntry{
			{Role: ports.RoleUser, Parts: []ports.ContentPart{ports.TextPart("list files")}},
		},
	})
	if err != nil {
		t.Fatalf("CallModel: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}

	first := resp.ToolCalls[0]
	if first.ToolUseID != "call_1" || first.ToolID != "bash" {
		t.Fatalf("first call wrong: %+v", first)
	}
	if first.Arguments["command"] != "ls" {
		t.Fatalf("arguments not parsed: %+v", first.Arguments)
	}

	// Malformed arguments keep the raw payload for downstream repair.
	second := resp.ToolCalls[1]
	if second.Arguments != nil || second.RawArguments != "{broken" {
		t.Fatalf("raw arguments not preserved: %+v", second)
	}
}

func TestCallModelSendsToolCatalogue(t *testing.T) {
	var captured map[string]any
	srv := serveJSON(t, &captured, `{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}]}`)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.CallModel(context.Background(), ports.ModelRequest{
		Entries: []ports.ConversationEntry{
			{Role: ports.RoleUser, Parts: []ports.ContentPart{ports.TextPart("go")}},
		},
		Tools: []ports.ToolDefinition{{
			ID:          "bash",
			Name:        "Bash",
			Description: "Run a shell command",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"command": {Type: "string", Description: "Command to run"},
				},
				Required: []string{"command"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("CallModel: %v", err)
	}

	if captured["tool_choice"] != "auto" {
		t.Fatalf("tool_choice = %v", captured["tool_choice"])
	}
	tools := captured["tools"].([]any)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "bash" {
		t.Fatalf("function name = %v", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Fatalf("schema type = %v", params["type"])
	}
	if required := params["required"].([]any); required[0] != "command" {
		t.Fatalf("required = %v", required)
	}
}

func TestCallModelTranscriptConversion(t *testing.T) {
	var captured map[string]any
	srv := serveJSON(t, &captured, `{"choices": [{"message": {"content": "done"}, "finish_reason": "stop"}]}`)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.CallModel(context.Background(), ports.ModelRequest{
		Entries: []ports.ConversationEntry{
			{Role: ports.RoleUser, Parts: []ports.ContentPart{ports.TextPart("list files")}},
			{Role: ports.RoleAssistant, Parts: []ports.ContentPart{
				ports.TextPart("Running ls."),
				ports.ToolUsePart("call_1", "bash", map[string]any{"command": "ls"}),
			}},
			{Role: ports.RoleUser, Parts: []ports.ContentPart{
				ports.ToolResultPart("call_1", "main.go", false),
			}},
		},
	})
	if err != nil {
		t.Fatalf("CallModel: %v", err)
	}

	msgs := captured["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("message count = %d, want 3", len(msgs))
	}

	assistant := msgs[1].(map[string]any)
	if assistant["role"] != "assistant" || assistant["content"] != "Running ls." {
		t.Fatalf("assistant message wrong: %v", assistant)
	}
	calls := assistant["tool_calls"].([]any)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "bash" {
		t.Fatalf("history tool call wrong: %v", fn)
	}

	toolMsg := msgs[2].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_1" || toolMsg["content"] != "main.go" {
		t.Fatalf("tool message wrong: %v", toolMsg)
	}
}

func TestCallModelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.CallModel(context.Background(), ports.ModelRequest{})
	if err == nil {
		t.Fatal("want error on 429")
	}
}

func TestMockClientScripted(t *testing.T) {
	mock := NewMockClient()
	mock.Script(
		&ports.ModelResponse{ToolCalls: []ports.ModelToolCall{{ToolUseID: "t1", ToolID: "bash"}}},
		&ports.ModelResponse{Text: "final", StopReason: "stop"},
	)

	first, err := mock.CallModel(context.Background(), ports.ModelRequest{})
	if err != nil || !first.HasToolCalls() {
		t.Fatalf("first scripted response wrong: %+v err=%v", first, err)
	}
	second, err := mock.CallModel(context.Background(), ports.ModelRequest{})
	if err != nil || second.Text != "final" {
		t.Fatalf("second scripted response wrong: %+v err=%v", second, err)
	}
	// The last response repeats.
	third, _ := mock.CallModel(context.Background(), ports.ModelRequest{})
	if third.Text != "final" {
		t.Fatalf("queue should repeat last response: %+v", third)
	}
}

func TestMockClientCancellation(t *testing.T) {
	mock := NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mock.CallModel(ctx, ports.ModelRequest{}); err == nil {
		t.Fatal("want context error")
	}
}
