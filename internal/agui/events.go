// Package agui implements an AG-UI protocol endpoint: a POST that streams
// an agent run back as server-sent events, with device pairing in front
// and per-session tool-call bookkeeping behind.
package agui

import (
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
)

type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventToolCallResult     EventType = "TOOL_CALL_RESULT"
)

// Event is one AG-UI protocol event. Only the fields relevant to Type are
// set.
type Event struct {
	Type         EventType `json:"type"`
	ThreadID     string    `json:"threadId,omitempty"`
	RunID        string    `json:"runId,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Role         string    `json:"role,omitempty"`
	Delta        string    `json:"delta,omitempty"`
	ToolCallID   string    `json:"toolCallId,omitempty"`
	ToolCallName string    `json:"toolCallName,omitempty"`
	Content      *string   `json:"content,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// EventWriter emits one event to a stream.
type EventWriter func(Event)

// sseWriter encodes events as "data:<json>" frames and flushes after each.
// It stops writing after the first failure.
type sseWriter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	closed bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return &sseWriter{w: w}
}

func (s *sseWriter) write(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := sse.Encode(s.w, sse.Event{Data: ev}); err != nil {
		s.closed = true
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *sseWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sseWriter) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
