package agui

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunAgentInput is the request body of an AG-UI run.
type RunAgentInput struct {
	ThreadID       string          `json:"threadId"`
	RunID          string          `json:"runId"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools"`
	Context        []ContextItem   `json:"context"`
	State          json.RawMessage `json:"state,omitempty"`
	ForwardedProps json.RawMessage `json:"forwardedProps,omitempty"`
}

type Message struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// Text returns the message content when it is a plain string.
func (m Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// Tool is a client-provided tool definition. Parameters is a JSON schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContextItem is readable app state the client shares with the agent.
type ContextItem struct {
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`
}

// BuildBody turns the message history into the prompt text and the
// system prompt. A lone user message is passed verbatim, a tool-result-only
// submission becomes "Tool result: <last>", anything else becomes a
// role-prefixed transcript.
func BuildBody(messages []Message) (body string, systemPrompt string) {
	var (
		systemParts []string
		parts       []string
		lastUser    string
		lastTool    string
		userCount   int
		toolCount   int
	)
	for _, m := range messages {
		role := strings.TrimSpace(m.Role)
		content := strings.TrimSpace(m.Text())
		switch role {
		case "":
			continue
		case "system":
			if content != "" {
				systemParts = append(systemParts, content)
			}
		case "user":
			userCount++
			lastUser = content
			if content != "" {
				parts = append(parts, "User: "+content)
			}
		case "assistant":
			if content != "" {
				parts = append(parts, "Assistant: "+content)
			}
		case "tool":
			toolCount++
			lastTool = content
			if content != "" {
				parts = append(parts, "Tool result: "+content)
			}
		}
	}

	switch {
	case userCount == 1 && len(parts) == 1:
		body = lastUser
	case userCount == 0 && toolCount > 0 && len(parts) == toolCount:
		body = "Tool result: " + lastTool
	default:
		body = strings.Join(parts, "\n")
	}
	return body, strings.Join(systemParts, "\n\n")
}

// AppendContext adds the client's context items as an "App context" block.
func AppendContext(body string, items []ContextItem) string {
	var lines []string
	for _, c := range items {
		if c.Description == "" && c.Value == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = "context"
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", desc, c.Value))
	}
	if len(lines) == 0 {
		return body
	}
	return body + "\n\n--- App context ---\n" + strings.Join(lines, "\n")
}

func hasRole(messages []Message, roles ...string) bool {
	for _, m := range messages {
		for _, r := range roles {
			if m.Role == r {
				return true
			}
		}
	}
	return false
}
