package builtin

import (
	"context"
	"fmt"
	"strings"

	"ivory/internal/agent/ports"
)

const bashOutputLimit = 50 * 1024

type bashTool struct {
	BaseTool
}

func NewBash() ports.ToolExecutor {
	return &bashTool{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "bash",
		Name:        "bash",
		Description: "Run a shell command in the workspace and return stdout, stderr, and the exit code.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"command":     {Type: "string", Description: "Shell command to run"},
				"working_dir": {Type: "string", Description: "Working directory, relative to the workspace root"},
			},
			Required: []string{"command"},
		},
		RequiresPermission:      true,
		AlwaysRequirePermission: true,
	})}
}

func (t *bashTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	result, err := adapter.ExecuteCommand(ctx,
		stringArg(call.Arguments, "command"),
		stringArg(call.Arguments, "working_dir"))
	if err != nil {
		return failure(call.ID, err)
	}

	var b strings.Builder
	b.WriteString(truncateOutput(result.Stdout))
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(truncateOutput(result.Stderr))
	}
	if result.ExitCode != 0 {
		fmt.Fprintf(&b, "\nexit code: %d", result.ExitCode)
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: b.String(),
		Metadata: map[string]any{
			"exit_code": result.ExitCode,
			"stdout":    truncateOutput(result.Stdout),
			"stderr":    truncateOutput(result.Stderr),
		},
	}, nil
}

func (t *bashTool) SummarizeArgs(args map[string]any) string {
	command := stringArg(args, "command")
	if len(command) > 80 {
		command = command[:77] + "..."
	}
	return fmt.Sprintf("Run `%s`", command)
}

func truncateOutput(s string) string {
	if len(s) <= bashOutputLimit {
		return s
	}
	return s[:bashOutputLimit] + fmt.Sprintf("\n... (%d bytes truncated)", len(s)-bashOutputLimit)
}
