package errors

import (
	"errors"
	"fmt"
)

// Kind classifies errors crossing component boundaries so callers can react
// without string matching.
type Kind string

const (
	KindSessionNotFound    Kind = "session_not_found"
	KindAgentBusy          Kind = "agent_busy"
	KindInvalidTransition  Kind = "invalid_transition"
	KindToolValidation     Kind = "tool_validation"
	KindToolExecution      Kind = "tool_execution"
	KindPermissionDenied   Kind = "permission_denied"
	KindAbort              Kind = "aborted"
	KindAdapterUnavailable Kind = "adapter_unavailable"
	KindPersistence        Kind = "persistence"
)

// E carries a kind tag plus a human-readable message.
type E struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *E) Unwrap() error {
	return e.Err
}

// New constructs a kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind tag, or empty when err is not an *E.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func SessionNotFound(id string) *E {
	return New(KindSessionNotFound, "session not found: %s", id)
}

func AgentBusy(sessionID string) *E {
	return New(KindAgentBusy, "session %s is already processing a query", sessionID)
}

func InvalidTransition(entity, from, event string) *E {
	return New(KindInvalidTransition, "invalid %s transition: %s + %s", entity, from, event)
}

func ToolValidation(tool, reason string) *E {
	return New(KindToolValidation, "tool %s rejected arguments: %s", tool, reason)
}

func ToolExecution(tool string, err error) *E {
	return Wrap(KindToolExecution, err, "tool %s failed", tool)
}

func PermissionDenied(tool string) *E {
	return New(KindPermissionDenied, "permission denied for tool %s", tool)
}

func AdapterUnavailable(kind string, err error) *E {
	return Wrap(KindAdapterUnavailable, err, "%s execution adapter is not ready", kind)
}

func Persistence(op string, err error) *E {
	return Wrap(KindPersistence, err, "persistence %s failed", op)
}

// ErrAborted is the cooperative cancellation sentinel. Tool executors raise it
// when they observe the abort signal; the runner unwinds the turn on it.
var ErrAborted = &E{Kind: KindAbort, Msg: "operation aborted"}

// Abort returns a kind-tagged abort error for the given scope.
func Abort(scope string) *E {
	return &E{Kind: KindAbort, Msg: fmt.Sprintf("%s aborted", scope), Err: ErrAborted}
}

// IsAbort reports whether err unwinds from a cooperative abort, including
// context cancellation observed mid-flight.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAborted) {
		return true
	}
	return KindOf(err) == KindAbort
}
