package ports

import "context"

// ModelToolCall is a tool invocation requested by the model.
type ModelToolCall struct {
	ToolUseID string         `json:"toolUseId"`
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments"`
	// RawArguments preserves the provider payload for repair when Arguments
	// failed to parse cleanly.
	RawArguments string `json:"rawArguments,omitempty"`
}

// TokenUsage tracks token consumption for one model call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ModelRequest is one completion call over the session transcript.
type ModelRequest struct {
	SessionID    string              `json:"sessionId"`
	SystemPrompt string              `json:"systemPrompt,omitempty"`
	Entries      []ConversationEntry `json:"entries"`
	Tools        []ToolDefinition    `json:"tools,omitempty"`
	Temperature  float64             `json:"temperature,omitempty"`
	MaxTokens    int                 `json:"maxTokens,omitempty"`
}

// ModelResponse is the model's answer: either tool calls to run or final
// text, never both empty.
type ModelResponse struct {
	Text       string          `json:"text,omitempty"`
	ToolCalls  []ModelToolCall `json:"toolCalls,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Usage      TokenUsage      `json:"usage"`
}

// HasToolCalls reports whether the turn requests tool execution.
func (r ModelResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ModelClient is the inference boundary. Implementations honour ctx
// cancellation and return provider failures as errors.
type ModelClient interface {
	CallModel(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}
