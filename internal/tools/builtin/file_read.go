package builtin

import (
	"context"
	"fmt"
	"strings"

	"ivory/internal/agent/ports"
	"ivory/internal/environment"
)

type fileRead struct {
	BaseTool
}

func NewFileRead() ports.ToolExecutor {
	return &fileRead{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "file_read",
		Name:        "file_read",
		Description: "Read file contents from the workspace. Large files can be read in line windows.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":        {Type: "string", Description: "File path, relative to the workspace root"},
				"line_offset": {Type: "integer", Description: "First line to return (0-based)"},
				"line_count":  {Type: "integer", Description: "Number of lines to return"},
			},
			Required: []string{"path"},
		},
	})}
}

func (t *fileRead) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	path := stringArg(call.Arguments, "path")
	result, err := adapter.ReadFile(ctx, environment.ReadFileRequest{
		Path:       path,
		LineOffset: intArg(call.Arguments, "line_offset"),
		LineCount:  intArg(call.Arguments, "line_count"),
	})
	if err != nil {
		return failure(call.ID, err)
	}

	metadata := map[string]any{
		"path":         result.Path,
		"display_path": result.DisplayPath,
		"size":         result.Size,
		"lines_total":  len(strings.Split(result.Content, "\n")),
	}
	if result.Pagination != nil {
		metadata["pagination"] = result.Pagination
	}

	return &ports.ToolResult{
		CallID:   call.ID,
		Content:  result.Content,
		Metadata: metadata,
	}, nil
}

func (t *fileRead) SummarizeArgs(args map[string]any) string {
	return fmt.Sprintf("Read %s", stringArg(args, "path"))
}
