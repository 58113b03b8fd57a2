package environment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ivory/internal/shared/async"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
)

const (
	defaultContainerImage = "ivory-workspace:latest"
	defaultContainerName  = "ivory-workspace"
	containerManagedLabel = "ivory.workspace.managed=true"
	containerWorkdir      = "/workspace"

	dockerListTimeout  = 5 * time.Second
	dockerStartTimeout = 10 * time.Second
	dockerRunTimeout   = 45 * time.Second
	dockerExecTimeout  = 120 * time.Second
	dockerFileTimeout  = 30 * time.Second
)

// dockerCLI abstracts the docker binary so tests can fake it.
type dockerCLI interface {
	LookPath(file string) (string, error)
	Run(ctx context.Context, args ...string) (string, error)
}

type execDockerCLI struct{}

func (execDockerCLI) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (execDockerCLI) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("docker command requires arguments")
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// ContainerAdapter executes everything inside a managed docker container.
// Construction returns immediately; the container is located or started in
// the background and readiness surfaces through status events.
type ContainerAdapter struct {
	cli    dockerCLI
	guard  *pathGuard
	status *statusEmitter
	logger logging.Logger

	image string
	name  string

	mu        sync.Mutex
	restarted bool
	closed    bool
}

// NewContainerAdapter starts background initialisation and returns at once.
func NewContainerAdapter(cfg Config) *ContainerAdapter {
	image := cfg.ContainerImage
	if image == "" {
		image = defaultContainerImage
	}
	name := cfg.ContainerName
	if name == "" {
		name = defaultContainerName
	}

	a := &ContainerAdapter{
		cli:    execDockerCLI{},
		guard:  newPathGuard(containerWorkdir),
		status: newStatusEmitter(KindContainer),
		logger: logging.OrNop(cfg.Logger),
		image:  image,
		name:   name,
	}
	a.status.emit(StatusInitializing, "")

	async.Go(a.logger, "container-init", func() {
		ctx, cancel := context.WithTimeout(context.Background(), dockerRunTimeout+dockerStartTimeout)
		defer cancel()
		if err := a.ensureRunning(ctx); err != nil {
			a.logger.Error("container init failed: %v", err)
			a.status.emit(StatusError, err.Error())
			return
		}
		a.status.emit(StatusConnected, "")
	})

	return a
}

func (a *ContainerAdapter) Kind() Kind { return KindContainer }

func (a *ContainerAdapter) Status() StatusEvent { return a.status.current() }

func (a *ContainerAdapter) OnStatusChange(fn func(StatusEvent)) func() {
	return a.status.subscribe(fn)
}

// Close stops tracking the container but leaves it running so a later
// session can reuse the warm workspace.
func (a *ContainerAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

// ensureRunning reuses a running managed container, starts a stopped one, or
// runs a fresh one.
func (a *ContainerAdapter) ensureRunning(ctx context.Context) error {
	if _, err := a.cli.LookPath("docker"); err != nil {
		return ierrors.AdapterUnavailable(KindContainer.String(), fmt.Errorf("docker CLI not found: %w", err))
	}

	if out, err := a.runDocker(ctx, dockerListTimeout,
		"ps", "--filter", "name="+a.name, "--format", "{{.ID}}"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}

	if out, err := a.runDocker(ctx, dockerListTimeout,
		"ps", "-a", "--filter", "name="+a.name, "--format", "{{.ID}}"); err == nil && strings.TrimSpace(out) != "" {
		if _, err := a.runDocker(ctx, dockerStartTimeout, "start", a.name); err == nil {
			return nil
		}
	}

	runArgs := []string{
		"run",
		"--pull=missing",
		"-d",
		"--name", a.name,
		"--label", containerManagedLabel,
		"--restart", "unless-stopped",
		"-w", containerWorkdir,
		a.image,
		"sleep", "infinity",
	}
	out, err := a.runDocker(ctx, dockerRunTimeout, runArgs...)
	if err != nil {
		if strings.TrimSpace(out) != "" {
			return ierrors.AdapterUnavailable(KindContainer.String(),
				fmt.Errorf("start container: %s", strings.TrimSpace(out)))
		}
		return ierrors.AdapterUnavailable(KindContainer.String(), fmt.Errorf("start container: %w", err))
	}
	return nil
}

func (a *ContainerAdapter) runDocker(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.cli.Run(cmdCtx, args...)
}

// execInContainer runs a bash command inside the container and recovers once
// from a missing or stopped container before giving up.
func (a *ContainerAdapter) execInContainer(ctx context.Context, timeout time.Duration, workdir, command string) (string, int, error) {
	args := []string{"exec", "-w", workdir, a.name, "bash", "-c", command}

	out, err := a.runDocker(ctx, timeout, args...)
	if err == nil {
		a.noteHealthy()
		return out, 0, nil
	}

	if containerGone(out, err) {
		a.status.emit(StatusDisconnected, strings.TrimSpace(out))
		if a.tryRestart(ctx) {
			out, err = a.runDocker(ctx, timeout, args...)
			if err == nil {
				a.status.emit(StatusConnected, "")
				return out, 0, nil
			}
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return "", 0, ierrors.Abort("container command")
	}
	return "", 0, ierrors.Wrap(ierrors.KindToolExecution, err, "container exec")
}

func (a *ContainerAdapter) noteHealthy() {
	a.mu.Lock()
	a.restarted = false
	a.mu.Unlock()
	if a.status.current().Status != StatusConnected {
		a.status.emit(StatusConnected, "")
	}
}

// tryRestart attempts a single recovery restart per outage.
func (a *ContainerAdapter) tryRestart(ctx context.Context) bool {
	a.mu.Lock()
	if a.restarted || a.closed {
		a.mu.Unlock()
		return false
	}
	a.restarted = true
	a.mu.Unlock()

	a.logger.Warn("container %s unavailable, attempting restart", a.name)
	a.status.emit(StatusInitializing, "")
	if err := a.ensureRunning(ctx); err != nil {
		a.status.emit(StatusError, err.Error())
		return false
	}
	return true
}

func containerGone(output string, err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(output + " " + err.Error())
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "is not running") ||
		strings.Contains(lower, "container") && strings.Contains(lower, "exited")
}

func (a *ContainerAdapter) ExecuteCommand(ctx context.Context, command, workingDir string) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ierrors.New(ierrors.KindToolValidation, "command cannot be empty")
	}

	dir := containerWorkdir
	if workingDir != "" {
		resolved, err := a.guard.Resolve(workingDir)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "resolve working directory")
		}
		dir = resolved
	}

	// Stdout and stderr are demuxed with a sentinel so a single exec call
	// carries both streams and the exit code.
	wrapped := fmt.Sprintf("__ivory_out=$(mktemp); __ivory_err=$(mktemp); bash -c %s >\"$__ivory_out\" 2>\"$__ivory_err\"; __ivory_code=$?; printf '%%s' \"$(cat \"$__ivory_out\" | base64 -w0)\"; printf '\\n---IVORY-STREAM---\\n'; printf '%%s' \"$(cat \"$__ivory_err\" | base64 -w0)\"; printf '\\n---IVORY-STREAM---\\n%%d\\n' \"$__ivory_code\"; rm -f \"$__ivory_out\" \"$__ivory_err\"", shellQuote(command))

	out, _, err := a.execInContainer(ctx, dockerExecTimeout, dir, wrapped)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(out, "---IVORY-STREAM---")
	if len(parts) != 3 {
		return nil, ierrors.New(ierrors.KindToolExecution, "container exec: malformed output")
	}

	stdout, err := decodeBase64(parts[0])
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "container exec: decode stdout")
	}
	stderr, err := decodeBase64(parts[1])
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolExecution, err, "container exec: decode stderr")
	}
	exitCode, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, ierrors.New(ierrors.KindToolExecution, "container exec: malformed exit code %q", parts[2])
	}

	return &CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// readAll fetches the complete file without pagination or size caps. Edits
// go through this path so bytes outside the match are never dropped.
func (a *ContainerAdapter) readAll(ctx context.Context, path string) (resolved, raw string, err error) {
	resolved, err = a.guard.Resolve(path)
	if err != nil {
		return "", "", ierrors.Wrap(ierrors.KindToolValidation, err, "read %s", path)
	}

	out, code, err := a.execInContainer(ctx, dockerFileTimeout, containerWorkdir,
		fmt.Sprintf("base64 -w0 < %s", shellQuote(resolved)))
	if err != nil {
		return "", "", err
	}
	if code != 0 {
		return "", "", ierrors.New(ierrors.KindToolExecution, "read %s: %s", path, strings.TrimSpace(out))
	}

	raw, err = decodeBase64(out)
	if err != nil {
		return "", "", ierrors.Wrap(ierrors.KindToolExecution, err, "read %s: decode", path)
	}
	return resolved, raw, nil
}

// ReadFile reads through base64 so arbitrary bytes survive the shell round
// trip.
func (a *ContainerAdapter) ReadFile(ctx context.Context, req ReadFileRequest) (*FileReadResult, error) {
	resolved, raw, err := a.readAll(ctx, req.Path)
	if err != nil {
		return nil, err
	}

	maxSize := req.MaxSize
	if maxSize <= 0 {
		maxSize = defaultReadMaxSize
	}
	if int64(len(raw)) > maxSize && req.LineCount == 0 {
		return nil, ierrors.New(ierrors.KindToolExecution,
			"read %s: file is %d bytes, larger than the %d byte limit; request a line range", req.Path, len(raw), maxSize)
	}

	content, pagination := paginate(raw, req.LineOffset, req.LineCount)
	encoding := req.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}

	return &FileReadResult{
		Path:        resolved,
		DisplayPath: a.guard.Display(resolved),
		Content:     content,
		Size:        int64(len(raw)),
		Encoding:    encoding,
		Pagination:  pagination,
	}, nil
}

func (a *ContainerAdapter) WriteFile(ctx context.Context, path, content string) (*FileWriteResult, error) {
	resolved, err := a.guard.ResolveWithin(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "write %s", path)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s && wc -c < %s",
		shellQuote(parentDir(resolved)), shellQuote(encoded), shellQuote(resolved), shellQuote(resolved))

	out, code, err := a.execInContainer(ctx, dockerFileTimeout, containerWorkdir, cmd)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, ierrors.New(ierrors.KindToolExecution, "write %s: %s", path, strings.TrimSpace(out))
	}

	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return nil, ierrors.New(ierrors.KindToolExecution, "write %s: unreadable size %q", path, out)
	}
	if size != int64(len(content)) {
		return nil, ierrors.New(ierrors.KindToolExecution,
			"write %s: size mismatch after write: wrote %d bytes, in container %d", path, len(content), size)
	}

	return &FileWriteResult{
		Path:         resolved,
		DisplayPath:  a.guard.Display(resolved),
		BytesWritten: size,
	}, nil
}

// EditFile is read, shared search/replace, then write; the container never
// sees partial state because the write lands through a single redirect. The
// read is the unpaginated whole file so bytes outside the match survive.
func (a *ContainerAdapter) EditFile(ctx context.Context, req EditFileRequest) (*FileEditResult, error) {
	resolved, raw, err := a.readAll(ctx, req.Path)
	if err != nil {
		return nil, err
	}

	updated, err := applyEdit(req.Path, raw, req.SearchCode, req.ReplaceCode)
	if err != nil {
		return nil, err
	}

	if _, err := a.WriteFile(ctx, req.Path, updated); err != nil {
		return nil, err
	}

	return &FileEditResult{
		Path:            resolved,
		DisplayPath:     a.guard.Display(resolved),
		OriginalContent: raw,
		NewContent:      updated,
	}, nil
}

func (a *ContainerAdapter) ListDirectory(ctx context.Context, path string, showHidden, details bool) (*DirectoryListing, error) {
	resolved, err := a.guard.Resolve(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "list %s", path)
	}

	flags := "-1p"
	if showHidden {
		flags = "-1pA"
	}
	out, code, err := a.execInContainer(ctx, dockerFileTimeout, containerWorkdir,
		fmt.Sprintf("ls %s %s", flags, shellQuote(resolved)))
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, ierrors.New(ierrors.KindToolExecution, "list %s: %s", path, strings.TrimSpace(out))
	}

	listing := &DirectoryListing{Path: a.guard.Display(resolved)}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		isDir := strings.HasSuffix(name, "/")
		listing.Entries = append(listing.Entries, DirectoryEntry{
			Name:  strings.TrimSuffix(name, "/"),
			IsDir: isDir,
		})
	}
	sort.Slice(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Name < listing.Entries[j].Name
	})
	listing.Count = len(listing.Entries)
	return listing, nil
}

func (a *ContainerAdapter) GlobFiles(ctx context.Context, pattern string, opts GlobOptions) ([]string, error) {
	base := containerWorkdir
	if opts.Cwd != "" {
		resolved, err := a.guard.Resolve(opts.Cwd)
		if err != nil {
			return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "glob %s", pattern)
		}
		base = resolved
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	name := pattern
	if idx := strings.LastIndex(pattern, "/"); idx >= 0 {
		name = pattern[idx+1:]
	}
	out, code, err := a.execInContainer(ctx, dockerFileTimeout, base,
		fmt.Sprintf("find . -type f -name %s | head -n %d", shellQuote(name), limit))
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, ierrors.New(ierrors.KindToolExecution, "glob %s: %s", pattern, strings.TrimSpace(out))
	}

	var matches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "./"))
		if line != "" {
			matches = append(matches, line)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (a *ContainerAdapter) GenerateDirectoryMap(ctx context.Context, rootPath string, maxDepth int) (string, error) {
	return generateDirectoryMap(ctx, a, rootPath, maxDepth)
}

func (a *ContainerAdapter) RepositoryInfo(ctx context.Context) (*RepositoryInfo, error) {
	return repositoryInfo(ctx, a)
}

func decodeBase64(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

var _ Adapter = (*ContainerAdapter)(nil)
