package app

import (
	"time"

	"ivory/internal/environment"
	"ivory/internal/preview"
	"ivory/internal/toolexec"
)

// Event topics published on the service bus. Transports subscribe to these;
// internal components never do.
const (
	TopicProcessingStarted   = "processing:started"
	TopicProcessingCompleted = "processing:completed"
	TopicProcessingError     = "processing:error"
	TopicProcessingAborted   = "processing:aborted"

	TopicToolStarted   = "tool:execution:started"
	TopicToolCompleted = "tool:execution:completed"
	TopicToolError     = "tool:execution:error"
	TopicToolAborted   = "tool:execution:aborted"
	// TopicToolLegacy duplicates completed events for older clients.
	TopicToolLegacy = "tool:execution"

	TopicPermissionRequested = "permission:requested"
	TopicPermissionResolved  = "permission:resolved"

	TopicFastEditEnabled  = "fast_edit_mode_enabled"
	TopicFastEditDisabled = "fast_edit_mode_disabled"

	TopicSessionSaved  = "session:saved"
	TopicSessionLoaded = "session:loaded"

	TopicEnvironmentStatus = "environment_status_changed"
)

// ProcessingPayload travels on the processing lifecycle topics.
type ProcessingPayload struct {
	SessionID      string    `json:"sessionId"`
	Response       string    `json:"response,omitempty"`
	Error          string    `json:"error,omitempty"`
	Aborted        bool      `json:"aborted,omitempty"`
	AbortTimestamp time.Time `json:"abortTimestamp,omitzero"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToolDescriptor is the transport-facing view of a tool execution.
type ToolDescriptor struct {
	ExecutionID  string         `json:"executionId"`
	ToolID       string         `json:"toolId"`
	ToolName     string         `json:"toolName"`
	Status       string         `json:"status"`
	ParamSummary string         `json:"paramSummary,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMS   int64          `json:"durationMs,omitempty"`
}

// ToolEventPayload travels on the tool:execution topics.
type ToolEventPayload struct {
	SessionID string           `json:"sessionId"`
	Tool      ToolDescriptor   `json:"tool"`
	Preview   *preview.Preview `json:"preview,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// PermissionPayload travels on the permission topics.
type PermissionPayload struct {
	SessionID    string           `json:"sessionId"`
	PermissionID string           `json:"permissionId"`
	ExecutionID  string           `json:"executionId"`
	ToolID       string           `json:"toolId"`
	ToolName     string           `json:"toolName,omitempty"`
	Arguments    map[string]any   `json:"arguments,omitempty"`
	Granted      *bool            `json:"granted,omitempty"`
	Preview      *preview.Preview `json:"preview,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// FastEditPayload travels on the fast-edit topics.
type FastEditPayload struct {
	SessionID string    `json:"sessionId"`
	Enabled   bool      `json:"enabled"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionPayload travels on session:saved and session:loaded.
type SessionPayload struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// EnvironmentStatusPayload travels on environment_status_changed.
type EnvironmentStatusPayload struct {
	SessionID string                  `json:"sessionId"`
	Status    environment.StatusEvent `json:"status"`
}

// reemit translates execution manager events into the transport payload shape.
func (s *Service) reemit(event toolexec.Event) {
	switch event.Type {
	case toolexec.EventPermissionRequested, toolexec.EventPermissionResolved:
		s.emitPermission(event)
		return
	}

	topic := ""
	switch event.Type {
	case toolexec.EventCreated:
		topic = TopicToolStarted
	case toolexec.EventCompleted:
		topic = TopicToolCompleted
	case toolexec.EventError:
		topic = TopicToolError
	case toolexec.EventAborted:
		topic = TopicToolAborted
	default:
		return
	}

	payload := ToolEventPayload{
		SessionID: event.Execution.SessionID,
		Tool:      describeExecution(event.Execution),
		Timestamp: event.Timestamp,
	}
	if event.Execution.PreviewID != "" {
		if p, ok := s.previews.GetForExecution(event.Execution.ID); ok {
			payload.Preview = p
		}
	}
	s.bus.Emit(topic, payload)
	if topic == TopicToolCompleted {
		s.bus.Emit(TopicToolLegacy, payload)
	}
}

func (s *Service) emitPermission(event toolexec.Event) {
	if event.Permission == nil {
		return
	}
	topic := TopicPermissionRequested
	if event.Type == toolexec.EventPermissionResolved {
		topic = TopicPermissionResolved
	}
	payload := PermissionPayload{
		SessionID:    event.Permission.SessionID,
		PermissionID: event.Permission.ID,
		ExecutionID:  event.Permission.ExecutionID,
		ToolID:       event.Permission.ToolID,
		ToolName:     event.Permission.ToolName,
		Arguments:    event.Permission.Arguments,
		Granted:      event.Permission.Granted,
		Timestamp:    event.Timestamp,
	}
	if p, ok := s.previews.GetForExecution(event.Permission.ExecutionID); ok && p.PermissionID == event.Permission.ID {
		payload.Preview = p
	}
	s.bus.Emit(topic, payload)
}

func describeExecution(exec toolexec.ToolExecution) ToolDescriptor {
	d := ToolDescriptor{
		ExecutionID:  exec.ID,
		ToolID:       exec.ToolID,
		ToolName:     exec.ToolName,
		Status:       string(exec.Status),
		ParamSummary: exec.ParamSummary,
		Arguments:    exec.Arguments,
		Result:       exec.Result,
		DurationMS:   exec.ExecutionTimeMS,
	}
	if exec.Error != nil {
		d.Error = exec.Error.Message
	}
	return d
}
