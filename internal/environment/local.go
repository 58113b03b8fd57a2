package environment

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
)

const (
	defaultReadMaxSize   = 1 << 20 // 1 MiB
	defaultReadLineCount = 2000
)

// LocalAdapter runs commands and file operations directly on the host,
// rooted at the configured working directory.
type LocalAdapter struct {
	guard  *pathGuard
	status *statusEmitter
	logger logging.Logger
}

// NewLocalAdapter constructs a host-backed adapter. It is ready immediately.
func NewLocalAdapter(cfg Config) *LocalAdapter {
	root := cfg.WorkingRoot
	if root == "" {
		root, _ = os.Getwd()
	}
	a := &LocalAdapter{
		guard:  newPathGuard(root),
		status: newStatusEmitter(KindLocal),
		logger: logging.OrNop(cfg.Logger),
	}
	a.status.emit(StatusConnected, "")
	return a
}

func (a *LocalAdapter) Kind() Kind { return KindLocal }

func (a *LocalAdapter) Status() StatusEvent { return a.status.current() }

func (a *LocalAdapter) OnStatusChange(fn func(StatusEvent)) func() {
	return a.status.subscribe(fn)
}

func (a *LocalAdapter) Close() error { return nil }

// ExecuteCommand writes the command to a temp script and runs it through
// bash so multi-line commands and heredocs behave as typed.
func (a *LocalAdapter) ExecuteCommand(ctx context.Context, command, workingDir string) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ierrors.New(ierrors.KindToolValidation, "command cannot be empty")
	}

	dir := a.guard.root
	if workingDir != "" {
		resolved, err := a.guard.Resolve(workingDir)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "resolve working directory")
		}
		dir = resolved
	}

	script, err := os.CreateTemp("", "ivory-bash-*.sh")
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "create command script")
	}
	defer func() { _ = os.Remove(script.Name()) }()

	if _, err := script.WriteString(command); err != nil {
		_ = script.Close()
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "write command script")
	}
	if err := script.Close(); err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "close command script")
	}

	cmd := exec.CommandContext(ctx, "bash", script.Name())
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, ierrors.Abort("command")
		} else {
			return nil, ierrors.Wrap(ierrors.KindToolExecution, runErr, "run command")
		}
	}

	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func (a *LocalAdapter) ReadFile(ctx context.Context, req ReadFileRequest) (*FileReadResult, error) {
	resolved, err := a.guard.Resolve(req.Path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "read %s", req.Path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "read %s", req.Path)
	}
	if info.IsDir() {
		return nil, ierrors.New(ierrors.KindToolExecution, "read %s: is a directory", req.Path)
	}

	maxSize := req.MaxSize
	if maxSize <= 0 {
		maxSize = defaultReadMaxSize
	}
	if info.Size() > maxSize && req.LineCount == 0 {
		return nil, ierrors.New(ierrors.KindToolExecution,
			"read %s: file is %d bytes, larger than the %d byte limit; request a line range", req.Path, info.Size(), maxSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "read %s", req.Path)
	}

	content, pagination := paginate(string(data), req.LineOffset, req.LineCount)
	encoding := req.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}

	return &FileReadResult{
		Path:        resolved,
		DisplayPath: a.guard.Display(resolved),
		Content:     content,
		Size:        info.Size(),
		Encoding:    encoding,
		Pagination:  pagination,
	}, nil
}

// WriteFile creates parent directories as needed and verifies the on-disk
// size after writing.
func (a *LocalAdapter) WriteFile(ctx context.Context, path, content string) (*FileWriteResult, error) {
	resolved, err := a.guard.ResolveWithin(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "write %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "write %s: create parent directories", path)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "write %s", path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "write %s: verify size", path)
	}
	if info.Size() != int64(len(content)) {
		return nil, ierrors.New(ierrors.KindToolExecution,
			"write %s: size mismatch after write: wrote %d bytes, on disk %d", path, len(content), info.Size())
	}

	return &FileWriteResult{
		Path:         resolved,
		DisplayPath:  a.guard.Display(resolved),
		BytesWritten: info.Size(),
	}, nil
}

func (a *LocalAdapter) EditFile(ctx context.Context, req EditFileRequest) (*FileEditResult, error) {
	resolved, err := a.guard.ResolveWithin(req.Path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "edit %s", req.Path)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "edit %s", req.Path)
	}
	original := string(data)

	updated, err := applyEdit(req.Path, original, req.SearchCode, req.ReplaceCode)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "edit %s", req.Path)
	}

	return &FileEditResult{
		Path:            resolved,
		DisplayPath:     a.guard.Display(resolved),
		OriginalContent: original,
		NewContent:      updated,
	}, nil
}

func (a *LocalAdapter) ListDirectory(ctx context.Context, path string, showHidden, details bool) (*DirectoryListing, error) {
	resolved, err := a.guard.Resolve(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "list %s", path)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "list %s", path)
	}

	listing := &DirectoryListing{Path: a.guard.Display(resolved)}
	for _, entry := range entries {
		name := entry.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		row := DirectoryEntry{Name: name, IsDir: entry.IsDir()}
		if details {
			if info, err := entry.Info(); err == nil {
				row.Size = info.Size()
				row.Mode = info.Mode().String()
				row.ModTime = info.ModTime()
			}
		}
		listing.Entries = append(listing.Entries, row)
	}
	sort.Slice(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Name < listing.Entries[j].Name
	})
	listing.Count = len(listing.Entries)
	return listing, nil
}

func (a *LocalAdapter) GlobFiles(ctx context.Context, pattern string, opts GlobOptions) ([]string, error) {
	base := a.guard.root
	if opts.Cwd != "" {
		resolved, err := a.guard.Resolve(opts.Cwd)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "glob %s", pattern)
		}
		base = resolved
	}

	matches, err := globWalk(base, pattern, opts.Limit)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "glob %s", pattern)
	}
	for i, match := range matches {
		matches[i] = a.guard.Display(match)
	}
	sort.Strings(matches)
	return matches, nil
}

func (a *LocalAdapter) GenerateDirectoryMap(ctx context.Context, rootPath string, maxDepth int) (string, error) {
	return generateDirectoryMap(ctx, a, rootPath, maxDepth)
}

func (a *LocalAdapter) RepositoryInfo(ctx context.Context) (*RepositoryInfo, error) {
	return repositoryInfo(ctx, a)
}

// paginate returns the requested line window. A zero lineCount means the
// whole file, capped at defaultReadLineCount lines.
func paginate(content string, lineOffset, lineCount int) (string, *Pagination) {
	lines := strings.Split(content, "\n")
	total := len(lines)

	if lineOffset == 0 && lineCount == 0 && total <= defaultReadLineCount {
		return content, nil
	}

	if lineCount <= 0 {
		lineCount = defaultReadLineCount
	}
	if lineOffset < 0 {
		lineOffset = 0
	}
	if lineOffset >= total {
		return "", &Pagination{LineOffset: lineOffset, LineCount: 0, TotalLines: total, Truncated: false}
	}

	end := lineOffset + lineCount
	truncated := false
	if end < total {
		truncated = true
	} else {
		end = total
	}

	return strings.Join(lines[lineOffset:end], "\n"), &Pagination{
		LineOffset: lineOffset,
		LineCount:  end - lineOffset,
		TotalLines: total,
		Truncated:  truncated,
	}
}

// globWalk supports ** prefixes by walking the tree; plain patterns go
// through filepath.Glob.
func globWalk(base, pattern string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}

	if !strings.Contains(pattern, "**") {
		matches, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, err
		}
		if len(matches) > limit {
			matches = matches[:limit]
		}
		return matches, nil
	}

	suffix := strings.TrimPrefix(pattern, "**/")
	var matches []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if d.IsDir() {
			if skipDirInMap(d.Name()) && path != base {
				return filepath.SkipDir
			}
			return nil
		}
		ok, matchErr := filepath.Match(suffix, d.Name())
		if matchErr == nil && !ok {
			rel, relErr := filepath.Rel(base, path)
			if relErr == nil {
				ok, matchErr = filepath.Match(suffix, rel)
			}
		}
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matches = append(matches, path)
			if len(matches) >= limit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

var _ Adapter = (*LocalAdapter)(nil)
