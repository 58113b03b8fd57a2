package environment

import (
	"context"
	"fmt"
	"strings"
)

const (
	dirMapDefaultDepth = 3
	dirMapMaxEntries   = 400
)

var skippedMapDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	"__pycache__":  {},
	".venv":        {},
	".idea":        {},
	".vscode":      {},
}

func skipDirInMap(name string) bool {
	_, ok := skippedMapDirs[name]
	return ok
}

// generateDirectoryMap renders an indented tree of the workspace through the
// adapter's listing primitive so every backend shares one renderer. Output is
// capped so huge trees cannot flood a model prompt.
func generateDirectoryMap(ctx context.Context, a Adapter, rootPath string, maxDepth int) (string, error) {
	if maxDepth <= 0 {
		maxDepth = dirMapDefaultDepth
	}
	if rootPath == "" {
		rootPath = "."
	}

	var b strings.Builder
	b.WriteString(rootPath)
	b.WriteString("/\n")

	entries := 0
	truncated, err := renderMapLevel(ctx, a, rootPath, 1, maxDepth, &entries, &b)
	if err != nil {
		return "", err
	}
	if truncated {
		fmt.Fprintf(&b, "... (truncated at %d entries)\n", dirMapMaxEntries)
	}
	return b.String(), nil
}

func renderMapLevel(ctx context.Context, a Adapter, path string, depth, maxDepth int, entries *int, b *strings.Builder) (bool, error) {
	if depth > maxDepth {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	listing, err := a.ListDirectory(ctx, path, false, false)
	if err != nil {
		// Unreadable subtrees are skipped, not fatal.
		return false, nil
	}

	indent := strings.Repeat("  ", depth)
	for _, entry := range listing.Entries {
		if *entries >= dirMapMaxEntries {
			return true, nil
		}
		if entry.IsDir && skipDirInMap(entry.Name) {
			continue
		}

		*entries++
		if entry.IsDir {
			fmt.Fprintf(b, "%s%s/\n", indent, entry.Name)
			truncated, err := renderMapLevel(ctx, a, joinMapPath(path, entry.Name), depth+1, maxDepth, entries, b)
			if err != nil || truncated {
				return truncated, err
			}
		} else {
			fmt.Fprintf(b, "%s%s\n", indent, entry.Name)
		}
	}
	return false, nil
}

func joinMapPath(base, name string) string {
	if base == "." || base == "" {
		return name
	}
	return strings.TrimSuffix(base, "/") + "/" + name
}
