package environment

import (
	"context"
	"fmt"
	"time"

	"ivory/internal/shared/logging"
)

// Kind selects the execution backend for a session.
type Kind string

const (
	KindLocal     Kind = "local"
	KindContainer Kind = "container"
	KindRemote    Kind = "remote"
)

func (k Kind) String() string { return string(k) }

// Validate rejects unknown adapter kinds.
func (k Kind) Validate() error {
	switch k {
	case KindLocal, KindContainer, KindRemote:
		return nil
	}
	return fmt.Errorf("unknown execution adapter kind: %q", k)
}

// CommandResult is the outcome of a shell command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ReadFileRequest bounds a file read.
type ReadFileRequest struct {
	Path       string
	MaxSize    int64
	LineOffset int
	LineCount  int
	Encoding   string
}

// Pagination describes the window a paged read returned.
type Pagination struct {
	LineOffset int  `json:"lineOffset"`
	LineCount  int  `json:"lineCount"`
	TotalLines int  `json:"totalLines"`
	Truncated  bool `json:"truncated"`
}

// FileReadResult is a successful read.
type FileReadResult struct {
	Path        string      `json:"path"`
	DisplayPath string      `json:"displayPath"`
	Content     string      `json:"content"`
	Size        int64       `json:"size"`
	Encoding    string      `json:"encoding"`
	Pagination  *Pagination `json:"pagination,omitempty"`
}

// FileWriteResult is a successful write, verified against the on-disk size.
type FileWriteResult struct {
	Path         string `json:"path"`
	DisplayPath  string `json:"displayPath"`
	BytesWritten int64  `json:"bytesWritten"`
}

// EditFileRequest is a search/replace edit.
type EditFileRequest struct {
	Path        string
	SearchCode  string
	ReplaceCode string
	Encoding    string
}

// FileEditResult is a successful edit.
type FileEditResult struct {
	Path            string `json:"path"`
	DisplayPath     string `json:"displayPath"`
	OriginalContent string `json:"originalContent"`
	NewContent      string `json:"newContent"`
}

// DirectoryEntry is one row of a directory listing.
type DirectoryEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size,omitempty"`
	Mode    string    `json:"mode,omitempty"`
	ModTime time.Time `json:"modTime,omitzero"`
}

// DirectoryListing is a successful listing.
type DirectoryListing struct {
	Path    string           `json:"path"`
	Entries []DirectoryEntry `json:"entries"`
	Count   int              `json:"count"`
}

// GlobOptions bounds a glob expansion.
type GlobOptions struct {
	Cwd   string
	Limit int
}

// RepositoryInfo is a snapshot of the working root's git state.
type RepositoryInfo struct {
	Branch        string   `json:"branch"`
	DefaultBranch string   `json:"defaultBranch"`
	Status        []string `json:"status"`
	RecentCommits []string `json:"recentCommits"`
}

// Adapter is the uniform filesystem/shell surface tools run against.
// Backends are interchangeable at session creation time; all operations
// return structured errors for expected failures instead of panicking.
type Adapter interface {
	Kind() Kind

	ExecuteCommand(ctx context.Context, command, workingDir string) (*CommandResult, error)
	ReadFile(ctx context.Context, req ReadFileRequest) (*FileReadResult, error)
	WriteFile(ctx context.Context, path, content string) (*FileWriteResult, error)
	EditFile(ctx context.Context, req EditFileRequest) (*FileEditResult, error)
	ListDirectory(ctx context.Context, path string, showHidden, details bool) (*DirectoryListing, error)
	GlobFiles(ctx context.Context, pattern string, opts GlobOptions) ([]string, error)
	GenerateDirectoryMap(ctx context.Context, rootPath string, maxDepth int) (string, error)
	RepositoryInfo(ctx context.Context) (*RepositoryInfo, error)

	// Status returns the last emitted environment status.
	Status() StatusEvent
	// OnStatusChange subscribes to status transitions; returns unsubscribe.
	OnStatusChange(fn func(StatusEvent)) func()

	Close() error
}

// Config carries backend construction parameters.
type Config struct {
	WorkingRoot string
	// Container backend.
	ContainerImage string
	ContainerName  string
	// Remote backend.
	SandboxBaseURL string
	SandboxID      string

	Logger logging.Logger
}

// New constructs the adapter for kind. Container and remote adapters begin
// initialising in the background; callers observe readiness through status
// events.
func New(kind Kind, cfg Config) (Adapter, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	switch kind {
	case KindContainer:
		return NewContainerAdapter(cfg), nil
	case KindRemote:
		return NewRemoteAdapter(cfg), nil
	default:
		return NewLocalAdapter(cfg), nil
	}
}
