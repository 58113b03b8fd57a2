package environment

import (
	"fmt"
	"path/filepath"
	"strings"
)

// pathGuard resolves tool-supplied paths against a working root and refuses
// escapes for mutating operations on sandboxed backends.
type pathGuard struct {
	root string
}

func newPathGuard(root string) *pathGuard {
	cleaned, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		cleaned = filepath.Clean(root)
	}
	return &pathGuard{root: cleaned}
}

// Resolve turns a possibly-relative path into an absolute one under the root.
func (g *pathGuard) Resolve(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed), nil
	}
	return filepath.Join(g.root, trimmed), nil
}

// ResolveWithin resolves raw and rejects it when the result escapes the root.
func (g *pathGuard) ResolveWithin(raw string) (string, error) {
	resolved, err := g.Resolve(raw)
	if err != nil {
		return "", err
	}
	if !pathWithinBase(g.root, resolved) {
		return "", fmt.Errorf("path must stay within the working directory")
	}
	return resolved, nil
}

// Display returns the path relative to the root where possible.
func (g *pathGuard) Display(resolved string) string {
	rel, err := filepath.Rel(g.root, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return resolved
	}
	return rel
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return false
	}
	return true
}
