package builtin

import (
	"context"
	"fmt"
	"strings"

	"ivory/internal/agent/ports"
)

type listFiles struct {
	BaseTool
}

func NewListFiles() ports.ToolExecutor {
	return &listFiles{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "list_files",
		Name:        "list_files",
		Description: "List the entries of a directory in the workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":        {Type: "string", Description: "Directory path, relative to the workspace root"},
				"show_hidden": {Type: "boolean", Description: "Include dotfiles"},
				"details":     {Type: "boolean", Description: "Include size, mode, and modification time"},
			},
			Required: []string{"path"},
		},
	})}
}

func (t *listFiles) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	listing, err := adapter.ListDirectory(ctx,
		stringArg(call.Arguments, "path"),
		boolArg(call.Arguments, "show_hidden"),
		boolArg(call.Arguments, "details"))
	if err != nil {
		return failure(call.ID, err)
	}

	var b strings.Builder
	for _, entry := range listing.Entries {
		if entry.IsDir {
			b.WriteString(entry.Name + "/\n")
		} else {
			b.WriteString(entry.Name + "\n")
		}
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: b.String(),
		Metadata: map[string]any{
			"path":    listing.Path,
			"count":   listing.Count,
			"entries": listing.Entries,
		},
	}, nil
}

func (t *listFiles) SummarizeArgs(args map[string]any) string {
	return fmt.Sprintf("List %s", stringArg(args, "path"))
}
