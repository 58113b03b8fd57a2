package builtin

import (
	"context"
	"fmt"

	"ivory/internal/agent/ports"
)

type dirMap struct {
	BaseTool
}

func NewDirMap() ports.ToolExecutor {
	return &dirMap{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "dir_map",
		Name:        "dir_map",
		Description: "Render an indented tree of the workspace, skipping dependency and build directories.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":      {Type: "string", Description: "Root of the tree, relative to the workspace root"},
				"max_depth": {Type: "integer", Description: "Maximum directory depth"},
			},
		},
	})}
}

func (t *dirMap) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	tree, err := adapter.GenerateDirectoryMap(ctx,
		stringArg(call.Arguments, "path"),
		intArg(call.Arguments, "max_depth"))
	if err != nil {
		return failure(call.ID, err)
	}

	return &ports.ToolResult{CallID: call.ID, Content: tree}, nil
}

func (t *dirMap) SummarizeArgs(args map[string]any) string {
	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	return fmt.Sprintf("Map %s", path)
}
