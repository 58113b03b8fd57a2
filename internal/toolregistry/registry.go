package toolregistry

import (
	"context"
	"sort"
	"sync"
	"time"

	"ivory/internal/agent/ports"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
)

// Registry holds the tools available to a session and dispatches execution
// with argument validation and lifecycle callbacks.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]ports.ToolExecutor
	logger logging.Logger

	cbMu       sync.Mutex
	nextCB     int
	onStart    map[int]func(ExecutionStart)
	onComplete map[int]func(ExecutionComplete)
	onError    map[int]func(ExecutionError)
}

// ExecutionStart fires before a tool runs.
type ExecutionStart struct {
	CallID    string
	ToolID    string
	SessionID string
	Args      map[string]any
	// Summary is the tool's own rendering of its arguments, when provided.
	Summary string
}

// ExecutionComplete fires after a successful run.
type ExecutionComplete struct {
	CallID     string
	ToolID     string
	SessionID  string
	Result     *ports.ToolResult
	DurationMS int64
}

// ExecutionError fires when validation or execution fails.
type ExecutionError struct {
	CallID    string
	ToolID    string
	SessionID string
	Err       error
}

func New(logger logging.Logger) *Registry {
	return &Registry{
		tools:      make(map[string]ports.ToolExecutor),
		logger:     logging.OrNop(logger),
		onStart:    make(map[int]func(ExecutionStart)),
		onComplete: make(map[int]func(ExecutionComplete)),
		onError:    make(map[int]func(ExecutionError)),
	}
}

// Register adds a tool; duplicate ids are rejected.
func (r *Registry) Register(tool ports.ToolExecutor) error {
	def := tool.Definition()
	if def.ID == "" {
		return ierrors.New(ierrors.KindToolValidation, "tool definition is missing an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.ID]; exists {
		return ierrors.New(ierrors.KindToolValidation, "tool already registered: %s", def.ID)
	}
	r.tools[def.ID] = tool
	return nil
}

// Get returns the tool by id.
func (r *Registry) Get(id string) (ports.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	if !ok {
		return nil, ierrors.New(ierrors.KindToolValidation, "tool not found: %s", id)
	}
	return tool, nil
}

// List returns every definition, id-sorted for stable prompts.
func (r *Registry) List() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ports.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// OnStart registers a pre-execution callback; returns unregister.
func (r *Registry) OnStart(fn func(ExecutionStart)) func() {
	return registerCallback(r, r.onStart, fn)
}

// OnComplete registers a post-execution callback; returns unregister.
func (r *Registry) OnComplete(fn func(ExecutionComplete)) func() {
	return registerCallback(r, r.onComplete, fn)
}

// OnError registers a failure callback; returns unregister.
func (r *Registry) OnError(fn func(ExecutionError)) func() {
	return registerCallback(r, r.onError, fn)
}

func registerCallback[T any](r *Registry, set map[int]func(T), fn func(T)) func() {
	r.cbMu.Lock()
	id := r.nextCB
	r.nextCB++
	set[id] = fn
	r.cbMu.Unlock()
	return func() {
		r.cbMu.Lock()
		delete(set, id)
		r.cbMu.Unlock()
	}
}

func snapshotCallbacks[T any](r *Registry, set map[int]func(T)) []func(T) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	return fns
}

// Execute validates arguments and runs the tool, firing lifecycle callbacks
// around the call. Tool-level failures come back inside the result; only
// infrastructure failures surface as the returned error.
func (r *Registry) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	tool, err := r.Get(call.ToolID)
	if err != nil {
		r.fireError(call, err)
		return nil, err
	}
	def := tool.Definition()

	if err := validateRequired(def, call.Arguments); err != nil {
		r.fireError(call, err)
		return nil, err
	}
	if validator, ok := tool.(ports.Validator); ok {
		if v := validator.Validate(call.Arguments); !v.Valid {
			err := ierrors.ToolValidation(def.ID, v.Reason)
			r.fireError(call, err)
			return nil, err
		}
	}

	start := ExecutionStart{
		CallID:    call.ID,
		ToolID:    def.ID,
		SessionID: call.SessionID,
		Args:      call.Arguments,
	}
	if summarizer, ok := tool.(ports.Summarizer); ok {
		start.Summary = summarizer.SummarizeArgs(call.Arguments)
	}
	for _, fn := range snapshotCallbacks(r, r.onStart) {
		fn(start)
	}

	began := time.Now()
	result, err := tool.Execute(ctx, call)
	if err != nil {
		r.fireError(call, err)
		return nil, err
	}
	if result == nil {
		result = &ports.ToolResult{CallID: call.ID}
	}

	complete := ExecutionComplete{
		CallID:     call.ID,
		ToolID:     def.ID,
		SessionID:  call.SessionID,
		Result:     result,
		DurationMS: time.Since(began).Milliseconds(),
	}
	for _, fn := range snapshotCallbacks(r, r.onComplete) {
		fn(complete)
	}
	return result, nil
}

func (r *Registry) fireError(call ports.ToolCall, err error) {
	for _, fn := range snapshotCallbacks(r, r.onError) {
		fn(ExecutionError{CallID: call.ID, ToolID: call.ToolID, SessionID: call.SessionID, Err: err})
	}
}

func validateRequired(def ports.ToolDefinition, args map[string]any) error {
	for _, name := range def.Parameters.Required {
		value, ok := args[name]
		if !ok || value == nil {
			return ierrors.ToolValidation(def.ID, "missing required argument: "+name)
		}
		if s, isString := value.(string); isString && s == "" {
			return ierrors.ToolValidation(def.ID, "required argument is empty: "+name)
		}
	}
	return nil
}
