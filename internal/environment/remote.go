package environment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"ivory/internal/shared/async"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/httpclient"
	"ivory/internal/shared/logging"
)

const (
	remoteRequestTimeout = 60 * time.Second
	remoteProbeTimeout   = 5 * time.Second
	remoteWorkdir        = "/workspace"
)

// RemoteAdapter proxies every operation to a sandbox service over HTTP.
// The sandbox identifies the workspace by the X-Sandbox-ID header.
type RemoteAdapter struct {
	baseURL    string
	sandboxID  string
	httpClient *http.Client
	guard      *pathGuard
	status     *statusEmitter
	logger     logging.Logger
}

// NewRemoteAdapter probes the sandbox in the background; construction never
// blocks on the network.
func NewRemoteAdapter(cfg Config) *RemoteAdapter {
	a := &RemoteAdapter{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.SandboxBaseURL), "/"),
		sandboxID:  cfg.SandboxID,
		httpClient: httpclient.New(remoteRequestTimeout),
		guard:      newPathGuard(remoteWorkdir),
		status:     newStatusEmitter(KindRemote),
		logger:     logging.OrNop(cfg.Logger),
	}
	a.status.emit(StatusInitializing, "")

	async.Go(a.logger, "remote-init", func() {
		a.status.emit(StatusConnecting, "")
		ctx, cancel := context.WithTimeout(context.Background(), remoteProbeTimeout)
		defer cancel()
		if err := a.probe(ctx); err != nil {
			a.logger.Error("sandbox probe failed: %v", err)
			a.status.emit(StatusError, err.Error())
			return
		}
		a.status.emit(StatusConnected, "")
	})

	return a
}

func (a *RemoteAdapter) Kind() Kind { return KindRemote }

func (a *RemoteAdapter) Status() StatusEvent { return a.status.current() }

func (a *RemoteAdapter) OnStatusChange(fn func(StatusEvent)) func() {
	return a.status.subscribe(fn)
}

func (a *RemoteAdapter) Close() error { return nil }

func (a *RemoteAdapter) probe(ctx context.Context) error {
	if a.baseURL == "" {
		return ierrors.AdapterUnavailable(KindRemote.String(), fmt.Errorf("sandbox base URL is required"))
	}
	return a.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// doJSON performs one request/response round trip. Network failures mark the
// environment disconnected so the next successful call can flip it back.
func (a *RemoteAdapter) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return ierrors.Wrap(ierrors.KindToolExecution, err, "marshal sandbox request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return ierrors.Wrap(ierrors.KindToolExecution, err, "build sandbox request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.sandboxID != "" {
		req.Header.Set("X-Sandbox-ID", a.sandboxID)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ierrors.Abort("sandbox request")
		}
		a.status.emit(StatusDisconnected, err.Error())
		return ierrors.AdapterUnavailable(KindRemote.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return ierrors.New(ierrors.KindToolExecution, "sandbox request %s %s: %s", method, path, msg)
	}

	if a.status.current().Status != StatusConnected {
		a.status.emit(StatusConnected, "")
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ierrors.Wrap(ierrors.KindToolExecution, err, "decode sandbox response")
	}
	return nil
}

type remoteExecRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir,omitempty"`
}

type remoteFileRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type remoteFileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

type remoteListRequest struct {
	Path       string `json:"path"`
	ShowHidden bool   `json:"showHidden"`
	Details    bool   `json:"details"`
}

type remoteGlobRequest struct {
	Pattern string `json:"pattern"`
	Cwd     string `json:"cwd,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (a *RemoteAdapter) ExecuteCommand(ctx context.Context, command, workingDir string) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ierrors.New(ierrors.KindToolValidation, "command cannot be empty")
	}

	var result CommandResult
	err := a.doJSON(ctx, http.MethodPost, "/v1/shell/exec",
		remoteExecRequest{Command: command, WorkingDir: workingDir}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// readAll fetches the complete file without pagination or size caps. Edits
// go through this path so bytes outside the match are never dropped.
func (a *RemoteAdapter) readAll(ctx context.Context, path string) (resolved, raw string, err error) {
	resolved, err = a.guard.Resolve(path)
	if err != nil {
		return "", "", ierrors.Wrap(ierrors.KindToolValidation, err, "read %s", path)
	}

	var resp remoteFileResponse
	if err := a.doJSON(ctx, http.MethodPost, "/v1/file/read",
		remoteFileRequest{Path: resolved, Encoding: "base64"}, &resp); err != nil {
		return "", "", err
	}

	raw, err = decodeBase64(resp.Content)
	if err != nil {
		return "", "", ierrors.Wrap(ierrors.KindToolExecution, err, "read %s: decode", path)
	}
	return resolved, raw, nil
}

// ReadFile transfers content base64-encoded so binary files survive JSON.
func (a *RemoteAdapter) ReadFile(ctx context.Context, req ReadFileRequest) (*FileReadResult, error) {
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

func (a *RemoteAdapter) WriteFile(ctx context.Context, path, content string) (*FileWriteResult, error) {
	resolved, err := a.guard.ResolveWithin(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "write %s", path)
	}

	var resp remoteFileResponse
	if err := a.doJSON(ctx, http.MethodPost, "/v1/file/write", remoteFileRequest{
		Path:     resolved,
		Content:  base64.StdEncoding.EncodeToString([]byte(content)),
		Encoding: "base64",
	}, &resp); err != nil {
		return nil, err
	}

	if resp.Size != int64(len(content)) {
		return nil, ierrors.New(ierrors.KindToolExecution,
			"write %s: size mismatch after write: wrote %d bytes, sandbox reports %d", path, len(content), resp.Size)
	}

	return &FileWriteResult{
		Path:         resolved,
		DisplayPath:  a.guard.Display(resolved),
		BytesWritten: resp.Size,
	}, nil
}

// EditFile reads the whole file, never a paginated window, so content
// outside the match survives byte-for-byte.
func (a *RemoteAdapter) EditFile(ctx context.Context, req EditFileRequest) (*FileEditResult, error) {
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

func (a *RemoteAdapter) ListDirectory(ctx context.Context, path string, showHidden, details bool) (*DirectoryListing, error) {
	resolved, err := a.guard.Resolve(path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindToolValidation, err, "list %s", path)
	}

	var listing DirectoryListing
	if err := a.doJSON(ctx, http.MethodPost, "/v1/file/list",
		remoteListRequest{Path: resolved, ShowHidden: showHidden, Details: details}, &listing); err != nil {
		return nil, err
	}

	listing.Path = a.guard.Display(resolved)
	sort.Slice(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Name < listing.Entries[j].Name
	})
	listing.Count = len(listing.Entries)
	return &listing, nil
}

func (a *RemoteAdapter) GlobFiles(ctx context.Context, pattern string, opts GlobOptions) ([]string, error) {
	var resp struct {
		Matches []string `json:"matches"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/v1/file/glob",
		remoteGlobRequest{Pattern: pattern, Cwd: opts.Cwd, Limit: opts.Limit}, &resp); err != nil {
		return nil, err
	}
	sort.Strings(resp.Matches)
	return resp.Matches, nil
}

func (a *RemoteAdapter) GenerateDirectoryMap(ctx context.Context, rootPath string, maxDepth int) (string, error) {
	return generateDirectoryMap(ctx, a, rootPath, maxDepth)
}

func (a *RemoteAdapter) RepositoryInfo(ctx context.Context) (*RepositoryInfo, error) {
	return repositoryInfo(ctx, a)
}

var _ Adapter = (*RemoteAdapter)(nil)
