package ports

import (
	"context"

	"ivory/internal/environment"
	"ivory/internal/shared/logging"
)

// ToolContext carries per-session collaborators into tool executions.
type ToolContext struct {
	SessionID string
	Adapter   environment.Adapter
	Logger    logging.Logger
	// AbortSignal is closed when the session's current operation is
	// aborted. A nil channel never fires.
	AbortSignal <-chan struct{}
}

type toolContextKey struct{}

// WithToolContext attaches tc to ctx.
func WithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFrom extracts the tool context; ok is false when the call was
// not dispatched through the execution manager.
func ToolContextFrom(ctx context.Context) (ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(ToolContext)
	return tc, ok
}
