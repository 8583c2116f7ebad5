package agui

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionKey scopes bridge state to one AG-UI thread.
func SessionKey(threadID string) string {
	return "agui:" + threadID
}

// session is the bookkeeping for one in-flight request: stashed client
// tools, the stream writer, pending server tool-call ids and the run
// flags.
type session struct {
	tools        []Tool
	clientNames  map[string]bool
	writer       EventWriter
	messageID    string
	pending      []string
	clientCalled bool
	toolFired    bool
}

// Sessions holds bridge state for in-flight requests, keyed by session
// key. Entries live from Open until the matching Close.
type Sessions struct {
	mu    sync.Mutex
	byKey map[string]*session
}

func NewSessions() *Sessions {
	return &Sessions{byKey: make(map[string]*session)}
}

// Open registers a request's state and returns the func that drops it. A
// second request on the same key replaces the first; the first one's
// release then leaves the replacement alone.
func (s *Sessions) Open(key string, tools []Tool, writer EventWriter, messageID string) (release func()) {
	sess := &session{
		writer:      writer,
		messageID:   messageID,
		clientNames: make(map[string]bool, len(tools)),
	}
	if len(tools) > 0 {
		sess.tools = append([]Tool(nil), tools...)
		for _, t := range tools {
			sess.clientNames[strings.ToLower(t.Name)] = true
		}
	}
	s.mu.Lock()
	s.byKey[key] = sess
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.byKey[key]; ok && cur == sess {
			delete(s.byKey, key)
		}
	}
}

// Len reports how many sessions are open.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// ClientTools returns the client tools stashed for key. They are handed out
// once.
func (s *Sessions) ClientTools(key string) []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	if !ok {
		return nil
	}
	tools := sess.tools
	sess.tools = nil
	return tools
}

// IsClientTool reports whether name was provided by the client of key.
func (s *Sessions) IsClientTool(key, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	return ok && sess.clientNames[strings.ToLower(name)]
}

// BeforeToolCall emits TOOL_CALL_START (and TOOL_CALL_ARGS when there are
// params) and marks the run as having fired a tool. Client tools end
// immediately; server tools wait for ToolResultPersisted.
func (s *Sessions) BeforeToolCall(key, name string, params map[string]any) {
	s.mu.Lock()
	sess, ok := s.byKey[key]
	if !ok || sess.writer == nil {
		s.mu.Unlock()
		return
	}
	id := "tool-" + uuid.NewString()
	client := sess.clientNames[strings.ToLower(name)]
	sess.toolFired = true
	if client {
		sess.clientCalled = true
	} else {
		sess.pending = append(sess.pending, id)
	}
	writer := sess.writer
	s.mu.Unlock()

	writer(Event{Type: EventToolCallStart, ToolCallID: id, ToolCallName: name})
	if len(params) > 0 {
		if args, err := json.Marshal(params); err == nil {
			writer(Event{Type: EventToolCallArgs, ToolCallID: id, Delta: string(args)})
		}
	}
	if client {
		writer(Event{Type: EventToolCallEnd, ToolCallID: id})
	}
}

// ToolResultPersisted closes the most recent pending server tool call with
// TOOL_CALL_RESULT and TOOL_CALL_END.
func (s *Sessions) ToolResultPersisted(key string) {
	s.mu.Lock()
	sess, ok := s.byKey[key]
	if !ok || len(sess.pending) == 0 {
		s.mu.Unlock()
		return
	}
	id := sess.pending[len(sess.pending)-1]
	sess.pending = sess.pending[:len(sess.pending)-1]
	writer, messageID := sess.writer, sess.messageID
	s.mu.Unlock()

	if writer == nil || messageID == "" {
		return
	}
	empty := ""
	writer(Event{Type: EventToolCallResult, ToolCallID: id, MessageID: messageID, Content: &empty})
	writer(Event{Type: EventToolCallEnd, ToolCallID: id})
}

// PendingToolCalls reports how many server tool calls await a result.
func (s *Sessions) PendingToolCalls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		return len(sess.pending)
	}
	return 0
}

func (s *Sessions) toolFired(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	return ok && sess.toolFired
}

func (s *Sessions) clearToolFired(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		sess.toolFired = false
	}
}

func (s *Sessions) clientToolCalled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	return ok && sess.clientCalled
}

func (s *Sessions) setMessageID(key, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		sess.messageID = messageID
	}
}
