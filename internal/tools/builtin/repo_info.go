package builtin

import (
	"context"
	"fmt"
	"strings"

	"ivory/internal/agent/ports"
)

type repoInfo struct {
	BaseTool
}

func NewRepoInfo() ports.ToolExecutor {
	return &repoInfo{BaseTool: NewBaseTool(ports.ToolDefinition{
		ID:          "repo_info",
		Name:        "repo_info",
		Description: "Report the git state of the workspace: branch, dirty files, and recent commits.",
		Parameters: ports.ParameterSchema{
			Type:       "object",
			Properties: map[string]ports.Property{},
		},
	})}
}

func (t *repoInfo) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	adapter, err := adapterFrom(ctx)
	if err != nil {
		return failure(call.ID, err)
	}

	info, err := adapter.RepositoryInfo(ctx)
	if err != nil {
		return failure(call.ID, err)
	}
	if info == nil {
		return &ports.ToolResult{CallID: call.ID, Content: "Not a git repository."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Branch: %s (default: %s)\n", info.Branch, info.DefaultBranch)
	if len(info.Status) > 0 {
		b.WriteString("Changes:\n")
		for _, line := range info.Status {
			b.WriteString("  " + line + "\n")
		}
	} else {
		b.WriteString("Working tree clean.\n")
	}
	if len(info.RecentCommits) > 0 {
		b.WriteString("Recent commits:\n")
		for _, line := range info.RecentCommits {
			b.WriteString("  " + line + "\n")
		}
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: b.String(),
		Metadata: map[string]any{
			"branch":         info.Branch,
			"default_branch": info.DefaultBranch,
			"dirty":          len(info.Status) > 0,
		},
	}, nil
}

func (t *repoInfo) SummarizeArgs(map[string]any) string { return "Inspect repository" }
