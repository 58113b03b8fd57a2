package builtin

import (
	"context"
	"fmt"
	"strings"

	"ivory/internal/agent/ports"
)

type fileWrite struct {
	BaseTool
}

func NewFileWrite() ports.ToolExecutor {
	return &fileWrite{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "file_write",
		Name:        "file_write",
		Description: "Create or overwrite a file in the workspace with the given content.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":    {Type: "string", Description: "File path, relative to the workspace root"},
				"content": {Type: "string", Description: "Full file content to write"},
			},
			Required: []string{"path"},
		},
		RequiresPermission: true,
	})}
}

func (t *fileWrite) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	path := stringArg(call.Arguments, "path")
	content := stringArg(call.Arguments, "content")

	result, err := adapter.WriteFile(ctx, path, content)
	if err != nil {
		return failure(call.ID, err)
	}

	lines := len(strings.Split(content, "\n"))
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Wrote %s (%d lines, %d bytes)", result.DisplayPath, lines, result.BytesWritten),
		Metadata: map[string]any{
			"path":          result.Path,
			"display_path":  result.DisplayPath,
			"bytes_written": result.BytesWritten,
			"lines_total":   lines,
			"new_content":   content,
		},
	}, nil
}

func (t *fileWrite) SummarizeArgs(args map[string]any) string {
	return fmt.Sprintf("Write %s", stringArg(args, "path"))
}
