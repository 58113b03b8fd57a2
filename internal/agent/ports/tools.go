package ports

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ToolCall is a request to execute a registered tool.
type ToolCall struct {
	ID        string         `json:"id"`
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"sessionId,omitempty"`
}

// ToolResult is the execution outcome. Expected failures travel in Error so
// the conversation can carry them back to the model instead of crashing the
// turn.
type ToolResult struct {
	CallID   string         `json:"callId"`
	Content  string         `json:"content"`
	Error    error          `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Aborted  bool           `json:"aborted,omitempty"`
}

// MarshalJSON encodes Error as its message string.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	type alias struct {
		CallID   string         `json:"callId"`
		Content  string         `json:"content"`
		Error    string         `json:"error,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Aborted  bool           `json:"aborted,omitempty"`
	}
	out := alias{CallID: r.CallID, Content: r.Content, Metadata: r.Metadata, Aborted: r.Aborted}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both string and object error representations from
// older transcript records.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type alias struct {
		CallID   string          `json:"callId"`
		Content  string          `json:"content"`
		Error    json.RawMessage `json:"error"`
		Metadata map[string]any  `json:"metadata,omitempty"`
		Aborted  bool            `json:"aborted,omitempty"`
	}
	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.CallID = aux.CallID
	r.Content = aux.Content
	r.Metadata = aux.Metadata
	r.Aborted = aux.Aborted
	r.Error = nil

	raw := strings.TrimSpace(string(aux.Error))
	if raw == "" || raw == "null" {
		return nil
	}
	var msg string
	if err := json.Unmarshal(aux.Error, &msg); err == nil {
		if msg != "" {
			r.Error = errors.New(msg)
		}
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(aux.Error, &obj); err == nil {
		if m, ok := obj["message"].(string); ok && m != "" {
			r.Error = errors.New(m)
			return nil
		}
	}
	r.Error = errors.New(raw)
	return nil
}

// ParameterSchema defines tool parameters in JSON Schema shape.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Enum        []any     `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// ToolDefinition describes a tool to the model and the permission layer.
type ToolDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
	// RequiresPermission gates execution behind user approval unless the
	// session has fast-edit enabled.
	RequiresPermission bool `json:"requiresPermission,omitempty"`
	// AlwaysRequirePermission ignores fast-edit.
	AlwaysRequirePermission bool `json:"alwaysRequirePermission,omitempty"`
}

// ValidationResult reports argument validation.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ToolExecutor is one registered tool.
type ToolExecutor interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// Validator lets a tool reject arguments before execution beyond the
// required-field check.
type Validator interface {
	Validate(args map[string]any) ValidationResult
}

// Summarizer lets a tool render a short human-readable argument summary for
// permission prompts and activity feeds.
type Summarizer interface {
	SummarizeArgs(args map[string]any) string
}
