package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ivory/internal/agent/app"
	"ivory/internal/eventbus"
	"ivory/internal/session"
)

// streamedTopics lists every bus topic forwarded to WebSocket clients.
var streamedTopics = []string{
	app.TopicProcessingStarted,
	app.TopicProcessingCompleted,
	app.TopicProcessingError,
	app.TopicProcessingAborted,
	app.TopicToolStarted,
	app.TopicToolCompleted,
	app.TopicToolError,
	app.TopicToolAborted,
	app.TopicToolLegacy,
	app.TopicPermissionRequested,
	app.TopicPermissionResolved,
	app.TopicFastEditEnabled,
	app.TopicFastEditDisabled,
	app.TopicSessionSaved,
	app.TopicSessionLoaded,
	app.TopicEnvironmentStatus,
	session.TopicDeleted,
	session.TopicRemoved,
}

// wsMessage is the wire frame sent to stream clients.
type wsMessage struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWebSocket streams bus events for one session. Bus handlers run on
// emitter goroutines, so events are funneled through a buffered channel and
// written by a single goroutine.
func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.svc.Session(sessionID); err != nil {
		writeError(c, err)
		return
	}

	events := make(chan wsMessage, 256)
	done := make(chan struct{})

	// Subscriptions go in before the handshake completes so clients never
	// miss events emitted right after their dial returns.
	unsubs := make([]func(), 0, len(streamedTopics))
	for _, topic := range streamedTopics {
		unsubs = append(unsubs, s.svc.Bus().On(topic, func(event eventbus.Event) {
			if payloadSessionID(event.Payload) != sessionID {
				return
			}
			select {
			case events <- wsMessage{Topic: event.Topic, Payload: event.Payload, Timestamp: event.Timestamp}:
			default:
				// A stalled client loses events rather than stalling the bus.
			}
		}))
	}
	detach := func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		detach()
		s.logger.Warn("websocket upgrade failed for %s: %v", sessionID, err)
		return
	}

	// Reader drains client frames to detect disconnects.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		detach()
		_ = conn.Close()
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg := <-events:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func payloadSessionID(payload any) string {
	switch p := payload.(type) {
	case app.ProcessingPayload:
		return p.SessionID
	case app.ToolEventPayload:
		return p.SessionID
	case app.PermissionPayload:
		return p.SessionID
	case app.FastEditPayload:
		return p.SessionID
	case app.SessionPayload:
		return p.SessionID
	case app.EnvironmentStatusPayload:
		return p.SessionID
	case session.RemovedPayload:
		return p.SessionID
	}
	return ""
}
