package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ivory/internal/abort"
	"ivory/internal/agent/ports"
	"ivory/internal/preview"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
	"ivory/internal/toolexec"
	"ivory/internal/toolregistry"
)

const DefaultMaxIterations = 10

const tracerName = "ivory/agent"

// PermissionWaiter blocks until a pending permission request is answered or
// the abort signal fires. Implementations must return promptly on abort.
type PermissionWaiter interface {
	WaitForPermission(ctx context.Context, req *toolexec.PermissionRequest, abortSignal <-chan struct{}) (granted bool, err error)
}

// TurnRequest is one user query against a session.
type TurnRequest struct {
	SessionID string
	Query     string
	State     *SessionState
	// FastEdit skips permission prompts for tools that allow it.
	FastEdit bool
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	Response    string
	ToolResults []ports.ToolResult
	Aborted     bool
}

// Config tunes runner behaviour.
type Config struct {
	MaxIterations int
	// PermissionMode is "interactive" or "auto"; auto approves everything.
	PermissionMode string
	// PreApproved tools never prompt.
	PreApproved map[string]bool
	SystemPrompt string
}

// Runner drives the model/tool loop for a session. One turn per session at
// a time; tools within a turn run serially in model-emitted order.
type Runner struct {
	model      ports.ModelClient
	registry   *toolregistry.Registry
	executions *toolexec.Manager
	aborts     *abort.Registry
	previews   *preview.Service
	waiter     PermissionWaiter
	logger     logging.Logger
	clock      ports.Clock
	cfg        Config

	// Persist is called after every turn, best-effort.
	Persist func(sessionID string)
	// ToolContext supplies per-session collaborators for tool dispatch.
	ToolContext func(sessionID string, abortSignal <-chan struct{}) ports.ToolContext

	flightMu sync.Mutex
	inFlight map[string]struct{}
}

func NewRunner(model ports.ModelClient, registry *toolregistry.Registry, executions *toolexec.Manager,
	aborts *abort.Registry, previews *preview.Service, waiter PermissionWaiter,
	logger logging.Logger, cfg Config) *Runner {

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = "interactive"
	}
	return &Runner{
		model:      model,
		registry:   registry,
		executions: executions,
		aborts:     aborts,
		previews:   previews,
		waiter:     waiter,
		logger:     logging.OrNop(logger),
		clock:      ports.SystemClock{},
		cfg:        cfg,
		inFlight:   make(map[string]struct{}),
	}
}

// SetClock overrides the time source for tests.
func (r *Runner) SetClock(clock ports.Clock) { r.clock = clock }

// IsProcessing reports whether a turn is in flight for the session.
func (r *Runner) IsProcessing(sessionID string) bool {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	_, ok := r.inFlight[sessionID]
	return ok
}

func (r *Runner) acquire(sessionID string) bool {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	if _, busy := r.inFlight[sessionID]; busy {
		return false
	}
	r.inFlight[sessionID] = struct{}{}
	return true
}

func (r *Runner) release(sessionID string) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	delete(r.inFlight, sessionID)
}

// ProcessQuery runs one full turn. It fails fast with AgentBusy when the
// session already has a turn in flight, and guarantees that every tool_use
// the model emitted ends up paired with exactly one tool_result.
func (r *Runner) ProcessQuery(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if !r.acquire(req.SessionID) {
		return nil, ierrors.AgentBusy(req.SessionID)
	}
	defer r.release(req.SessionID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	// A fresh turn never inherits a previous abort.
	r.aborts.Clear(req.SessionID)
	abortSignal := r.aborts.Signal(req.SessionID)

	defer func() {
		if r.Persist != nil {
			r.Persist(req.SessionID)
		}
	}()

	state := req.State
	if state.AgentState().IsTerminal() {
		state.SetAgentState(StateIdle)
	}

	state.Append(ports.ConversationEntry{
		Role:      ports.RoleUser,
		Parts:     []ports.ContentPart{ports.TextPart(req.Query)},
		Timestamp: r.clock.Now(),
	})
	if _, err := state.Apply(EventUserMessage); err != nil {
		return nil, err
	}

	// An abort arriving between clear and the first model call still wins.
	if r.aborts.IsAborted(req.SessionID) {
		r.abortState(state)
		return &TurnResult{Aborted: true}, nil
	}

	result := &TurnResult{}
	for iteration := 0; ; iteration++ {
		if iteration >= r.cfg.MaxIterations {
			// Cap reached: end the turn gracefully rather than erroring out.
			result.Response = fmt.Sprintf(
				"Stopped after %d tool rounds without a final answer.", r.cfg.MaxIterations)
			state.SetAgentState(StateComplete)
			return result, nil
		}

		if r.aborts.IsAborted(req.SessionID) {
			r.abortState(state)
			result.Aborted = true
			return result, nil
		}

		resp, err := r.callModel(ctx, req, abortSignal)
		if err != nil {
			if ierrors.IsAbort(err) || r.aborts.IsAborted(req.SessionID) {
				r.abortState(state)
				result.Aborted = true
				return result, nil
			}
			r.abortState(state)
			return result, err
		}

		if !resp.HasToolCalls() {
			if _, err := state.Apply(EventModelFinal); err != nil {
				return result, err
			}
			state.Append(ports.ConversationEntry{
				Role:      ports.RoleAssistant,
				Parts:     []ports.ContentPart{ports.TextPart(resp.Text)},
				Timestamp: r.clock.Now(),
			})
			result.Response = resp.Text
			return result, nil
		}

		aborted, err := r.runToolRound(ctx, req, resp, abortSignal, result)
		if err != nil {
			return result, err
		}
		if aborted {
			result.Aborted = true
			return result, nil
		}
	}
}

func (r *Runner) callModel(ctx context.Context, req TurnRequest, abortSignal <-chan struct{}) (*ports.ModelResponse, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-abortSignal:
			cancel()
		case <-callCtx.Done():
		}
	}()

	return r.model.CallModel(callCtx, ports.ModelRequest{
		SessionID:    req.SessionID,
		SystemPrompt: r.cfg.SystemPrompt,
		Entries:      req.State.Entries(),
		Tools:        r.registry.List(),
	})
}

// runToolRound appends the assistant tool_use entry and dispatches each call
// serially. Every emitted tool_use is paired with a tool_result before this
// returns, aborted rounds included.
func (r *Runner) runToolRound(ctx context.Context, req TurnRequest, resp *ports.ModelResponse,
	abortSignal <-chan struct{}, result *TurnResult) (aborted bool, err error) {

	state := req.State

	parts := make([]ports.ContentPart, 0, len(resp.ToolCalls)+1)
	if resp.Text != "" {
		parts = append(parts, ports.TextPart(resp.Text))
	}
	for i := range resp.ToolCalls {
		call := &resp.ToolCalls[i]
		call.Arguments = repairArguments(call.Arguments, call.RawArguments, r.logger)
		parts = append(parts, ports.ToolUsePart(call.ToolUseID, call.ToolID, call.Arguments))
	}
	state.Append(ports.ConversationEntry{
		Role:      ports.RoleAssistant,
		Parts:     parts,
		Timestamp: r.clock.Now(),
	})

	for i, call := range resp.ToolCalls {
		if r.aborts.IsAborted(req.SessionID) {
			r.pairRemaining(state, resp.ToolCalls[i:], result)
			r.abortState(state)
			return true, nil
		}

		if _, err := state.Apply(EventModelToolCall); err != nil {
			return false, err
		}

		toolResult, callAborted := r.dispatchTool(ctx, req, call, abortSignal)
		state.Append(toolResultEntry(call.ToolUseID, toolResult, r.clock.Now()))
		result.ToolResults = append(result.ToolResults, *toolResult)

		if callAborted {
			r.pairRemaining(state, resp.ToolCalls[i+1:], result)
			r.abortState(state)
			return true, nil
		}

		if _, err := state.Apply(EventToolFinished); err != nil {
			return false, err
		}
	}
	return false, nil
}

// dispatchTool runs one tool call end to end: execution record, permission
// gate, abort-aware execution, outcome recording. The returned result is
// always non-nil; callAborted means the whole turn unwinds.
func (r *Runner) dispatchTool(ctx context.Context, req TurnRequest, call ports.ModelToolCall,
	abortSignal <-chan struct{}) (toolResult *ports.ToolResult, callAborted bool) {

	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.dispatch",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("tool.id", call.ToolID)))
	defer span.End()

	tool, lookupErr := r.registry.Get(call.ToolID)
	if lookupErr != nil {
		span.RecordError(lookupErr)
		return &ports.ToolResult{CallID: call.ToolUseID, Error: lookupErr}, false
	}
	def := tool.Definition()

	exec := r.executions.Create(req.SessionID, call.ToolID, def.Name, call.Arguments)

	if summarizer, ok := tool.(ports.Summarizer); ok {
		_ = r.executions.SetParamSummary(exec.ID, summarizer.SummarizeArgs(call.Arguments))
	}

	if r.needsPermission(def, req.FastEdit) {
		granted, waitAborted := r.awaitPermission(ctx, req, exec.ID, call, abortSignal)
		if waitAborted {
			return &ports.ToolResult{CallID: call.ToolUseID, Aborted: true}, true
		}
		if !granted {
			// Denial cancels this tool only; the model hears about it and
			// the turn continues.
			return &ports.ToolResult{
				CallID:  call.ToolUseID,
				Content: "Permission denied by user.",
				Error:   ierrors.PermissionDenied(call.ToolID),
				Aborted: true,
			}, false
		}
	} else {
		if err := r.executions.Start(exec.ID); err != nil {
			r.logger.Warn("start execution %s: %v", exec.ID, err)
		}
	}

	started := r.clock.Now()
	type outcome struct {
		result *ports.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		toolCtx := ctx
		if r.ToolContext != nil {
			toolCtx = ports.WithToolContext(ctx, r.ToolContext(req.SessionID, abortSignal))
		}
		res, execErr := r.registry.Execute(toolCtx, ports.ToolCall{
			ID:        exec.ID,
			ToolID:    call.ToolID,
			Arguments: call.Arguments,
			SessionID: req.SessionID,
		})
		done <- outcome{result: res, err: execErr}
	}()

	select {
	case <-abortSignal:
		// The executor may ignore the signal; its eventual result is
		// discarded.
		_ = r.executions.Abort(exec.ID)
		return &ports.ToolResult{CallID: call.ToolUseID, Aborted: true}, true
	case out := <-done:
		duration := r.clock.Now().Sub(started).Milliseconds()
		switch {
		case out.err != nil:
			_ = r.executions.Fail(exec.ID, out.err)
			return &ports.ToolResult{CallID: call.ToolUseID, Error: out.err}, false
		case out.result.Error != nil:
			_ = r.executions.Fail(exec.ID, out.result.Error)
			out.result.CallID = call.ToolUseID
			return out.result, false
		default:
			_ = r.executions.Complete(exec.ID, out.result.Content, duration)
			if r.previews != nil {
				if p := r.previews.GenerateForResult(req.SessionID, exec.ID, call.ToolID, out.result); p != nil {
					_ = r.executions.SetPreviewID(exec.ID, p.ID)
				}
			}
			out.result.CallID = call.ToolUseID
			return out.result, false
		}
	}
}

func (r *Runner) needsPermission(def ports.ToolDefinition, fastEdit bool) bool {
	if !def.RequiresPermission {
		return false
	}
	if def.AlwaysRequirePermission {
		return r.cfg.PermissionMode != "auto" || !r.cfg.PreApproved[def.ID]
	}
	if r.cfg.PermissionMode == "auto" || r.cfg.PreApproved[def.ID] {
		return false
	}
	return !fastEdit
}

// awaitPermission asks for approval and blocks until an answer or abort.
func (r *Runner) awaitPermission(ctx context.Context, req TurnRequest, executionID string,
	call ports.ModelToolCall, abortSignal <-chan struct{}) (granted, waitAborted bool) {

	permReq, err := r.executions.RequestPermission(executionID, call.Arguments)
	if err != nil {
		r.logger.Warn("request permission for %s: %v", executionID, err)
		return false, false
	}
	if r.previews != nil {
		r.previews.GenerateForPermission(req.SessionID, executionID, permReq.ID, call.ToolID, call.Arguments)
	}

	if r.waiter == nil {
		_ = r.executions.ResolvePermission(permReq.ID, false)
		return false, false
	}

	ok, err := r.waiter.WaitForPermission(ctx, permReq, abortSignal)
	if r.aborts.IsAborted(req.SessionID) {
		// Wake-up came from the abort. The pending request is denied so it
		// carries a resolution; denial also moves the execution to aborted.
		if pending, found := r.executions.PermissionForExecution(executionID); found && !pending.Resolved() {
			_ = r.executions.ResolvePermission(pending.ID, false)
		}
		if current, found := r.executions.Get(executionID); found && !current.Status.IsTerminal() {
			_ = r.executions.Abort(executionID)
		}
		return false, true
	}
	if err != nil {
		r.logger.Warn("permission wait for %s: %v", executionID, err)
		return false, false
	}
	return ok, false
}

// pairRemaining synthesises aborted tool-results for every not-yet-paired
// tool_use in the round.
func (r *Runner) pairRemaining(state *SessionState, remaining []ports.ModelToolCall, result *TurnResult) {
	now := r.clock.Now()
	for _, call := range remaining {
		synthetic := &ports.ToolResult{CallID: call.ToolUseID, Aborted: true}
		state.Append(toolResultEntry(call.ToolUseID, synthetic, now))
		result.ToolResults = append(result.ToolResults, *synthetic)
	}
}

func (r *Runner) abortState(state *SessionState) {
	if state.AgentState().IsTerminal() {
		return
	}
	if _, err := state.Apply(EventAbortRequested); err != nil {
		r.logger.Warn("abort transition: %v", err)
	}
}

func toolResultEntry(toolUseID string, result *ports.ToolResult, at time.Time) ports.ConversationEntry {
	var part ports.ContentPart
	switch {
	case result.Aborted:
		part = ports.AbortedToolResultPart(toolUseID)
	case result.Error != nil:
		part = ports.ToolResultPart(toolUseID, result.Error.Error(), true)
	default:
		part = ports.ToolResultPart(toolUseID, result.Content, false)
	}
	return ports.ConversationEntry{
		Role:      ports.RoleUser,
		Parts:     []ports.ContentPart{part},
		Timestamp: at,
	}
}

// repairArguments recovers tool arguments from malformed provider payloads.
func repairArguments(args map[string]any, raw string, logger logging.Logger) map[string]any {
	if args != nil || raw == "" {
		if args == nil {
			return map[string]any{}
		}
		return args
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed
	}

	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		logger.Warn("tool argument repair failed: %v", err)
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(fixed), &parsed); err != nil {
		logger.Warn("repaired tool arguments still invalid: %v", err)
		return map[string]any{}
	}
	return parsed
}
