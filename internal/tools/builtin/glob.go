package builtin

import (
	"context"
	"fmt"
	"strings"

	"ivory/internal/agent/ports"
	"ivory/internal/environment"
)

type globTool struct {
	BaseTool
}

func NewGlob() ports.ToolExecutor {
	return &globTool{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "glob",
		Name:        "glob",
		Description: "Find files matching a glob pattern. Supports ** for recursive matching.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"pattern": {Type: "string", Description: "Glob pattern, e.g. **/*.go"},
				"cwd":     {Type: "string", Description: "Directory to search from"},
				"limit":   {Type: "integer", Description: "Maximum number of matches"},
			},
			Required: []string{"pattern"},
		},
	})}
}

func (t *globTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	matches, err := adapter.GlobFiles(ctx, stringArg(call.Arguments, "pattern"), environment.GlobOptions{
		Cwd:   stringArg(call.Arguments, "cwd"),
		Limit: intArg(call.Arguments, "limit"),
	})
	if err != nil {
		return failure(call.ID, err)
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: strings.Join(matches, "\n"),
		Metadata: map[string]any{
			"matches": matches,
			"count":   len(matches),
		},
	}, nil
}

func (t *globTool) SummarizeArgs(args map[string]any) string {
	return fmt.Sprintf("Glob %s", stringArg(args, "pattern"))
}
