package environment

import (
	"context"
	"strings"
)

// repositoryInfo snapshots the git state of the working root by composing
// adapter shell commands, so container and remote workspaces report the same
// shape as local ones. A non-repository root returns nil without error.
func repositoryInfo(ctx context.Context, a Adapter) (*RepositoryInfo, error) {
	inside, err := gitLine(ctx, a, "git rev-parse --is-inside-work-tree 2>/dev/null")
	if err != nil {
		return nil, err
	}
	if inside != "true" {
		return nil, nil
	}

	branch, err := gitLine(ctx, a, "git rev-parse --abbrev-ref HEAD 2>/dev/null")
	if err != nil {
		return nil, err
	}

	defaultBranch, err := gitLine(ctx, a,
		"git symbolic-ref refs/remotes/origin/HEAD 2>/dev/null | sed 's|refs/remotes/origin/||'")
	if err != nil {
		return nil, err
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	status, err := gitLines(ctx, a, "git status --porcelain 2>/dev/null | head -n 50")
	if err != nil {
		return nil, err
	}

	commits, err := gitLines(ctx, a, "git log --oneline -n 10 2>/dev/null")
	if err != nil {
		return nil, err
	}

	return &RepositoryInfo{
		Branch:        branch,
		DefaultBranch: defaultBranch,
		Status:        status,
		RecentCommits: commits,
	}, nil
}

func gitLine(ctx context.Context, a Adapter, command string) (string, error) {
	result, err := a.ExecuteCommand(ctx, command, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Stdout), nil
}

func gitLines(ctx context.Context, a Adapter, command string) ([]string, error) {
	raw, err := gitLine(ctx, a, command)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
