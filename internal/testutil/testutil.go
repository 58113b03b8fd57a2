// Package testutil holds fakes shared across package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"ivory/internal/agent/ports"
)

// Clock is a manually advanced ports.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// ScriptedModel replays a fixed response sequence; the last response repeats
// once the script runs out. The zero value answers with an empty final text.
type ScriptedModel struct {
	mu        sync.Mutex
	responses []*ports.ModelResponse
	calls     int
	// Requests records every call for assertions.
	Requests []ports.ModelRequest
}

var _ ports.ModelClient = (*ScriptedModel)(nil)

// Script builds a model that replays responses in order.
func Script(responses ...*ports.ModelResponse) *ScriptedModel {
	return &ScriptedModel{responses: responses}
}

// FinalText builds a single-response script ending the turn with text.
func FinalText(text string) *ScriptedModel {
	return Script(&ports.ModelResponse{Text: text, StopReason: "end_turn"})
}

func (m *ScriptedModel) CallModel(ctx context.Context, req ports.ModelRequest) (*ports.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)

	if len(m.responses) == 0 {
		return &ports.ModelResponse{StopReason: "end_turn"}, nil
	}
	n := m.calls
	if n >= len(m.responses) {
		n = len(m.responses) - 1
	}
	m.calls++
	return m.responses[n], nil
}

// Calls reports how many times the model was invoked.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
