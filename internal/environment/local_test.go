package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) (*LocalAdapter, string) {
	t.Helper()
	root := t.TempDir()
	return NewLocalAdapter(Config{WorkingRoot: root}), root
}

func TestLocalAdapterReadyOnConstruction(t *testing.T) {
	a, _ := newTestLocal(t)
	status := a.Status()
	if status.Status != StatusConnected || !status.IsReady {
		t.Fatalf("local adapter should be connected immediately, got %+v", status)
	}
}

func TestLocalWriteReadRoundTrip(t *testing.T) {
	a, root := newTestLocal(t)
	ctx := context.Background()

	content := "package main\n\nfunc main() {}\n"
	wrote, err := a.WriteFile(ctx, "src/main.go", content)
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if wrote.BytesWritten != int64(len(content)) {
		t.Fatalf("expected %d bytes written, got %d", len(content), wrote.BytesWritten)
	}
	if wrote.DisplayPath != filepath.Join("src", "main.go") {
		t.Fatalf("unexpected display path %q", wrote.DisplayPath)
	}

	read, err := a.ReadFile(ctx, ReadFileRequest{Path: "src/main.go"})
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if read.Content != content {
		t.Fatalf("round trip mismatch: %q", read.Content)
	}
	if read.Path != filepath.Join(root, "src", "main.go") {
		t.Fatalf("unexpected resolved path %q", read.Path)
	}
}

func TestLocalWriteRejectsEscape(t *testing.T) {
	a, _ := newTestLocal(t)

	_, err := a.WriteFile(context.Background(), "../outside.txt", "x")
	if err == nil {
		t.Fatal("expected escape rejection")
	}
}

func TestLocalEditFile(t *testing.T) {
	a, _ := newTestLocal(t)
	ctx := context.Background()

	if _, err := a.WriteFile(ctx, "config.yaml", "timeout: 30\nretries: 3\n"); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	result, err := a.EditFile(ctx, EditFileRequest{
		Path:        "config.yaml",
		SearchCode:  "retries: 3",
		ReplaceCode: "retries: 5",
	})
	if err != nil {
		t.Fatalf("EditFile failed: %v", err)
	}
	if result.NewContent != "timeout: 30\nretries: 5\n" {
		t.Fatalf("unexpected content %q", result.NewContent)
	}
	if result.OriginalContent != "timeout: 30\nretries: 3\n" {
		t.Fatalf("original content not preserved: %q", result.OriginalContent)
	}

	read, err := a.ReadFile(ctx, ReadFileRequest{Path: "config.yaml"})
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if read.Content != result.NewContent {
		t.Fatalf("edit not persisted: %q", read.Content)
	}
}

func TestLocalExecuteCommand(t *testing.T) {
	a, _ := newTestLocal(t)

	result, err := a.ExecuteCommand(context.Background(), "echo hello && echo oops >&2; exit 3", "")
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Fatalf("unexpected stderr %q", result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestLocalExecuteCommandEmptyRejected(t *testing.T) {
	a, _ := newTestLocal(t)
	if _, err := a.ExecuteCommand(context.Background(), "   ", ""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLocalListDirectoryHidesDotfiles(t *testing.T) {
	a, root := newTestLocal(t)
	ctx := context.Background()

	for _, name := range []string{"visible.txt", ".hidden"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	listing, err := a.ListDirectory(ctx, ".", false, false)
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	if listing.Count != 1 || listing.Entries[0].Name != "visible.txt" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	withHidden, err := a.ListDirectory(ctx, ".", true, false)
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	if withHidden.Count != 2 {
		t.Fatalf("expected hidden file included, got %+v", withHidden)
	}
}

func TestLocalGlobFiles(t *testing.T) {
	a, root := newTestLocal(t)
	ctx := context.Background()

	mustWrite := func(rel string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	mustWrite("a.go")
	mustWrite("pkg/b.go")
	mustWrite("pkg/c.txt")

	matches, err := a.GlobFiles(ctx, "**/*.go", GlobOptions{})
	if err != nil {
		t.Fatalf("GlobFiles failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", matches)
	}
}

func TestPaginate(t *testing.T) {
	content := "l0\nl1\nl2\nl3\nl4"

	window, p := paginate(content, 1, 2)
	if window != "l1\nl2" {
		t.Fatalf("unexpected window %q", window)
	}
	if p == nil || p.TotalLines != 5 || !p.Truncated {
		t.Fatalf("unexpected pagination %+v", p)
	}

	full, p := paginate(content, 0, 0)
	if full != content || p != nil {
		t.Fatalf("whole-file read should not paginate, got %q %+v", full, p)
	}

	past, p := paginate(content, 10, 2)
	if past != "" || p.LineCount != 0 {
		t.Fatalf("offset past end should be empty, got %q %+v", past, p)
	}
}

func TestPathGuard(t *testing.T) {
	g := newPathGuard("/work/project")

	resolved, err := g.Resolve("sub/file.txt")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != filepath.Join("/work/project", "sub/file.txt") {
		t.Fatalf("unexpected resolution %q", resolved)
	}

	if _, err := g.ResolveWithin("../../etc/passwd"); err == nil {
		t.Fatal("expected escape rejection")
	}

	if _, err := g.Resolve(""); err == nil {
		t.Fatal("expected empty path rejection")
	}

	if display := g.Display(filepath.Join("/work/project", "a/b")); display != filepath.Join("a", "b") {
		t.Fatalf("unexpected display %q", display)
	}
}
