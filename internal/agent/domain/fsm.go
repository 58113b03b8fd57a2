package domain

import (
	ierrors "ivory/internal/shared/errors"
)

// AgentState is the coarse position of a session's turn loop.
type AgentState string

const (
	StateIdle                 AgentState = "idle"
	StateWaitingForModel      AgentState = "waiting_for_model"
	StateWaitingForToolResult AgentState = "waiting_for_tool_result"
	StateWaitingForModelFinal AgentState = "waiting_for_model_final"
	StateComplete             AgentState = "complete"
	StateAborted              AgentState = "aborted"
)

// IsTerminal reports whether the state ends the turn.
func (s AgentState) IsTerminal() bool {
	return s == StateComplete || s == StateAborted
}

// AgentEvent drives the turn state machine.
type AgentEvent string

const (
	EventUserMessage   AgentEvent = "user_message"
	EventModelToolCall AgentEvent = "model_tool_call"
	EventToolFinished  AgentEvent = "tool_finished"
	EventModelFinal    AgentEvent = "model_final"
	EventAbortRequested AgentEvent = "abort_requested"
)

// Transition is the pure turn state function. Any pair outside the graph is
// an InvalidTransition; terminal states accept nothing.
func Transition(state AgentState, event AgentEvent) (AgentState, error) {
	if event == EventAbortRequested {
		if state.IsTerminal() {
			return state, ierrors.InvalidTransition("agent", string(state), string(event))
		}
		return StateAborted, nil
	}

	switch state {
	case StateIdle:
		if event == EventUserMessage {
			return StateWaitingForModel, nil
		}
	case StateWaitingForModel:
		switch event {
		case EventModelToolCall:
			return StateWaitingForToolResult, nil
		case EventModelFinal:
			return StateComplete, nil
		}
	case StateWaitingForToolResult:
		if event == EventToolFinished {
			return StateWaitingForModelFinal, nil
		}
	case StateWaitingForModelFinal:
		switch event {
		case EventModelToolCall:
			return StateWaitingForToolResult, nil
		case EventModelFinal:
			return StateComplete, nil
		}
	}
	return state, ierrors.InvalidTransition("agent", string(state), string(event))
}
