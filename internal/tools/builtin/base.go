package builtin

import (
	"context"
	"fmt"

	"ivory/internal/agent/ports"
	"ivory/internal/environment"
)

// BaseTool carries the static definition shared by every builtin.
type BaseTool struct {
	def ports.ToolDefinition
}

func NewBaseTool(def ports.ToolDefinition) BaseTool { return BaseTool{def: def} }

func (b BaseTool) Definition() ports.ToolDefinition { return b.def }

// adapterFrom pulls the session's execution adapter out of the call context.
func adapterFrom(ctx context.Context) (environment.Adapter, error) {
	tc, ok := ports.ToolContextFrom(ctx)
	if !ok || tc.Adapter == nil {
		return nil, fmt.Errorf("no execution environment attached to this call")
	}
	return tc.Adapter, nil
}

func stringArg(args map[string]any, name string) string {
	value, _ := args[name].(string)
	return value
}

func boolArg(args map[string]any, name string) bool {
	value, _ := args[name].(bool)
	return value
}

func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// failure wraps an expected tool error into a result so the model sees it.
func failure(callID string, err error) (*ports.ToolResult, error) {
	return &ports.ToolResult{CallID: callID, Error: err}, nil
}
