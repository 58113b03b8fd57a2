package toolexec

import (
	"time"

	ierrors "ivory/internal/shared/errors"
)

// Status is the lifecycle state of a tool execution.
type Status string

const (
	StatusCreated            Status = "created"
	StatusRunning            Status = "running"
	StatusAwaitingPermission Status = "awaiting_permission"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
	StatusAborted            Status = "aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	}
	return false
}

// legalTransitions is the execution state graph. Anything absent is an
// InvalidTransition.
var legalTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusRunning:            true,
		StatusAwaitingPermission: true,
		StatusAborted:            true,
	},
	StatusRunning: {
		StatusCompleted:          true,
		StatusError:              true,
		StatusAborted:            true,
		StatusAwaitingPermission: true,
	},
	StatusAwaitingPermission: {
		StatusRunning: true,
		StatusAborted: true,
	},
}

// ExecutionError captures a failed run.
type ExecutionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ToolExecution tracks one tool invocation from creation to a terminal
// state. Terminal records are immutable.
type ToolExecution struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"sessionId"`
	ToolID           string          `json:"toolId"`
	ToolName         string          `json:"toolName"`
	Status           Status          `json:"status"`
	Arguments        map[string]any  `json:"arguments,omitempty"`
	ParamSummary     string          `json:"paramSummary,omitempty"`
	Result           string          `json:"result,omitempty"`
	Error            *ExecutionError `json:"error,omitempty"`
	PreviewID        string          `json:"previewId,omitempty"`
	StartTime        time.Time       `json:"startTime,omitzero"`
	EndTime          time.Time       `json:"endTime,omitzero"`
	ExecutionTimeMS  int64           `json:"executionTimeMs,omitempty"`
}

func (e *ToolExecution) transitionTo(next Status) error {
	if e.Status.IsTerminal() {
		return ierrors.InvalidTransition("tool execution "+e.ID, string(e.Status), string(next))
	}
	if !legalTransitions[e.Status][next] {
		return ierrors.InvalidTransition("tool execution "+e.ID, string(e.Status), string(next))
	}
	e.Status = next
	return nil
}

// PermissionRequest gates one execution behind user approval. Exactly one
// request exists per execution and it resolves at most once.
type PermissionRequest struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	ExecutionID  string         `json:"executionId"`
	ToolID       string         `json:"toolId"`
	ToolName     string         `json:"toolName,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Granted      *bool          `json:"granted,omitempty"`
	RequestTime  time.Time      `json:"requestTime"`
	ResolvedTime time.Time      `json:"resolvedTime,omitzero"`
}

// Resolved reports whether the request has been answered.
func (p *PermissionRequest) Resolved() bool { return p.Granted != nil }
