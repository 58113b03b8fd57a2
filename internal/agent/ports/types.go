package ports

import "time"

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPartType discriminates the payload of a content part.
type ContentPartType string

const (
	PartText       ContentPartType = "text"
	PartToolUse    ContentPartType = "tool_use"
	PartToolResult ContentPartType = "tool_result"
)

// ContentPart is one segment of a conversation entry. Tool use and tool
// result parts are paired through ToolUseID: every tool_use emitted by the
// assistant must be answered by exactly one tool_result carrying the same id
// before the next model call.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	// Text payload, for PartText.
	Text string `json:"text,omitempty"`

	// Tool use payload, for PartToolUse.
	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolID    string         `json:"toolId,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Tool result payload, for PartToolResult. Content carries either the
	// serialized result or a structured abort/error marker.
	Content string `json:"content,omitempty"`
	IsError bool   `json:"isError,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ToolUsePart builds an assistant tool invocation part.
func ToolUsePart(toolUseID, toolID string, args map[string]any) ContentPart {
	return ContentPart{Type: PartToolUse, ToolUseID: toolUseID, ToolID: toolID, Arguments: args}
}

// ToolResultPart builds the user-side answer to a tool invocation.
func ToolResultPart(toolUseID, content string, isError bool) ContentPart {
	return ContentPart{Type: PartToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// AbortedToolResultPart answers an unfinished tool invocation after an abort.
func AbortedToolResultPart(toolUseID string) ContentPart {
	return ContentPart{Type: PartToolResult, ToolUseID: toolUseID, Content: `{"aborted":true}`, Aborted: true}
}

// ConversationEntry is one turn of the session transcript.
type ConversationEntry struct {
	ID        string        `json:"id,omitempty"`
	Role      Role          `json:"role"`
	Parts     []ContentPart `json:"parts"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
}

// ToolUseIDs returns the ids of every tool_use part in order.
func (e ConversationEntry) ToolUseIDs() []string {
	var ids []string
	for _, part := range e.Parts {
		if part.Type == PartToolUse {
			ids = append(ids, part.ToolUseID)
		}
	}
	return ids
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
