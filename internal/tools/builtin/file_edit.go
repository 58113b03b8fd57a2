package builtin

import (
	"context"
	"fmt"

	"ivory/internal/agent/ports"
	"ivory/internal/environment"
)

type fileEdit struct {
	BaseTool
}

func NewFileEdit() ports.ToolExecutor {
	return &fileEdit{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "file_edit",
		Name:        "file_edit",
		Description: "Replace one exact occurrence of search_code with replace_code in a file. The search text must match exactly once.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":         {Type: "string", Description: "File path, relative to the workspace root"},
				"search_code":  {Type: "string", Description: "Exact text to find; must occur exactly once"},
				"replace_code": {Type: "string", Description: "Replacement text"},
			},
			Required: []string{"path", "search_code"},
		},
		RequiresPermission: true,
	})}
}

func (t *fileEdit) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	result, err := adapter.EditFile(ctx, environment.EditFileRequest{
		Path:        stringArg(call.Arguments, "path"),
		SearchCode:  stringArg(call.Arguments, "search_code"),
		ReplaceCode: stringArg(call.Arguments, "replace_code"),
	})
	if err != nil {
		return failure(call.ID, err)
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Edited %s", result.DisplayPath),
		Metadata: map[string]any{
			"path":             result.Path,
			"display_path":     result.DisplayPath,
			"original_content": result.OriginalContent,
			"new_content":      result.NewContent,
		},
	}, nil
}

func (t *fileEdit) SummarizeArgs(args map[string]any) string {
	return fmt.Sprintf("Edit %s", stringArg(args, "path"))
}
