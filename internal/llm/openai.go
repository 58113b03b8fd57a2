// Package llm implements ports.ModelClient against OpenAI-compatible
// chat-completions endpoints. Any provider speaking that wire shape
// (OpenAI, DeepSeek, OpenRouter, local gateways) works unchanged.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ivory/internal/agent/ports"
	"ivory/internal/shared/httpclient"
	"ivory/internal/shared/logging"
)

const defaultTimeout = 120 * time.Second

// Config carries provider settings for the OpenAI client.
type Config struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Headers     map[string]string
	Logger      logging.Logger
}

// OpenAIClient calls a chat-completions endpoint and maps the exchange onto
// the conversation-entry transcript shape.
type OpenAIClient struct {
	model       string
	apiKey      string
	baseURL     string
	temperature float64
	maxTokens   int
	headers     map[string]string
	httpClient  *http.Client
	logger      logging.Logger
}

var _ ports.ModelClient = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for cfg. BaseURL defaults to the public
// OpenAI endpoint; the path /chat/completions is appended on every call.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIClient{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		headers:     cfg.Headers,
		httpClient:  httpclient.New(timeout),
		logger:      logging.OrNop(cfg.Logger),
	}
}

// CallModel sends the transcript and tool catalogue and parses the first
// choice back into a ModelResponse.
func (c *OpenAIClient) CallModel(ctx context.Context, req ports.ModelRequest) (*ports.ModelResponse, error) {
	body := map[string]any{
		"model":    c.model,
		"messages": convertEntries(req.SystemPrompt, req.Entries),
		"stream":   false,
	}
	if temp := req.Temperature; temp > 0 {
		body["temperature"] = temp
	} else if c.temperature > 0 {
		body["temperature"] = c.temperature
	}
	if max := req.MaxTokens; max > 0 {
		body["max_tokens"] = max
	} else if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	if len(req.Tools) > 0 {
		body["tools"] = convertTools(req.Tools)
		body["tool_choice"] = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("[llm] POST %s/chat/completions model=%s entries=%d tools=%d",
		c.baseURL, c.model, len(req.Entries), len(req.Tools))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model returned %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var oaiResp chatResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if oaiResp.Error != nil && oaiResp.Error.Message != "" {
		return nil, fmt.Errorf("model error: %s", oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	choice := oaiResp.Choices[0]
	result := &ports.ModelResponse{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: ports.TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		call := ports.ModelToolCall{
			ToolUseID:    tc.ID,
			ToolID:       tc.Function.Name,
			RawArguments: tc.Function.Arguments,
		}
		// Leave Arguments nil on parse failure; the runner repairs from
		// RawArguments.
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
			call.Arguments = args
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}

	c.logger.Debug("[llm] response stop=%s text=%d chars tool_calls=%d tokens=%d",
		result.StopReason, len(result.Text), len(result.ToolCalls), result.Usage.TotalTokens)
	return result, nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertEntries flattens the transcript into chat messages. Assistant
// tool_use parts become tool_calls on an assistant message; tool_result
// parts become role "tool" messages keyed by tool_call_id.
func convertEntries(systemPrompt string, entries []ports.ConversationEntry) []map[string]any {
	msgs := make([]map[string]any, 0, len(entries)+1)
	if systemPrompt != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": systemPrompt})
	}

	for _, entry := range entries {
		var text strings.Builder
		var toolCalls []map[string]any
		var toolResults []ports.ContentPart

		for _, part := range entry.Parts {
			switch part.Type {
			case ports.PartText:
				text.WriteString(part.Text)
			case ports.PartToolUse:
				args := part.Arguments
				if args == nil {
					args = map[string]any{}
				}
				encoded, err := json.Marshal(args)
				if err != nil {
					encoded = []byte("{}")
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   part.ToolUseID,
					"type": "function",
					"function": map[string]any{
						"name":      part.ToolID,
						"arguments": string(encoded),
					},
				})
			case ports.PartToolResult:
				toolResults = append(toolResults, part)
			}
		}

		// Tool results travel as standalone "tool" messages regardless of
		// the entry's transcript role.
		if len(toolResults) > 0 {
			for _, part := range toolResults {
				msgs = append(msgs, map[string]any{
					"role":         "tool",
					"tool_call_id": part.ToolUseID,
					"content":      part.Content,
				})
			}
			continue
		}

		msg := map[string]any{
			"role":    string(entry.Role),
			"content": text.String(),
		}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// convertTools renders the tool catalogue as OpenAI function schemas.
func convertTools(tools []ports.ToolDefinition) []map[string]any {
	converted := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		schema := map[string]any{
			"type":       tool.Parameters.Type,
			"properties": tool.Parameters.Properties,
		}
		if schema["type"] == "" {
			schema["type"] = "object"
		}
		if schema["properties"] == nil {
			schema["properties"] = map[string]ports.Property{}
		}
		if len(tool.Parameters.Required) > 0 {
			schema["required"] = tool.Parameters.Required
		}
		converted = append(converted, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.ID,
				"description": tool.Description,
				"parameters":  schema,
			},
		})
	}
	return converted
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
