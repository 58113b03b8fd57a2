package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"ivory/internal/agent/ports"
)

// MockClient is a deterministic ModelClient for offline runs and tests. It
// answers every call with canned text unless a scripted response queue is
// loaded.
type MockClient struct {
	mu       sync.Mutex
	scripted []*ports.ModelResponse
	delay    time.Duration
}

var _ ports.ModelClient = (*MockClient)(nil)

// NewMockClient returns a client that echoes a fixed acknowledgement.
func NewMockClient() *MockClient {
	return &MockClient{delay: 10 * time.Millisecond}
}

// Script queues responses returned in order; the last one repeats once the
// queue drains.
func (m *MockClient) Script(responses ...*ports.ModelResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = responses
}

// CallModel simulates a short provider round trip and honours cancellation.
func (m *MockClient) CallModel(ctx context.Context, req ports.ModelRequest) (*ports.ModelResponse, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scripted) > 0 {
		resp := m.scripted[0]
		if len(m.scripted) > 1 {
			m.scripted = m.scripted[1:]
		}
		return resp, nil
	}

	return &ports.ModelResponse{
		Text:       "Mock response to: " + lastUserText(req.Entries),
		StopReason: "stop",
		Usage:      ports.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func lastUserText(entries []ports.ConversationEntry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role != ports.RoleUser {
			continue
		}
		var b strings.Builder
		for _, part := range entries[i].Parts {
			if part.Type == ports.PartText {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return "(empty query)"
}
