// Package thought defines the values that flow through a tree-of-thought search:
// the chat messages sent to a model, the thoughts it produces, and the frontier
// of live thoughts at each search step.
package thought

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chat roles understood by every provider client.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// maxContentSize bounds a single message body (1MB).
const maxContentSize = 1024 * 1024

// Message is one entry of a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewMessage creates a message with the given role and content.
// NOTE: This function does not validate the message; call Validate before
// sending messages that did not originate from a prompt template.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// UserPrompt wraps a single prompt string into a one-message conversation.
func UserPrompt(prompt string) []Message {
	return []Message{NewMessage(RoleUser, prompt)}
}

// Validate checks the role and size constraints of a message.
func (m Message) Validate() error {
	if m.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("invalid message role: %s. Must be one of: system, user, assistant", m.Role)
	}
	if len(m.Content) > maxContentSize {
		return fmt.Errorf("message content exceeds maximum size of %d bytes (got %d bytes)", maxContentSize, len(m.Content))
	}
	return nil
}

// ValidateAll validates every message of a conversation.
func ValidateAll(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("conversation must contain at least one message")
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// Thought is one candidate solution string, partial or complete.
// Thoughts are never mutated; a new step produces new values.
type Thought string

// Extend returns a new thought made of t followed by the continuation.
func (t Thought) Extend(continuation string) Thought {
	return t + Thought(continuation)
}

// String returns the thought text.
func (t Thought) String() string {
	return string(t)
}

// Frontier is the ordered set of live thoughts at one search step.
type Frontier []Thought

// Root returns the initial frontier: a single empty partial solution.
func Root() Frontier {
	return Frontier{""}
}

// Strings returns the frontier as plain strings.
func (f Frontier) Strings() []string {
	out := make([]string, len(f))
	for i, t := range f {
		out[i] = string(t)
	}
	return out
}

// Preview shortens a thought to at most n runes for log lines.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	i := 0
	for count := 0; i < len(s); count++ {
		if count == n {
			return s[:i] + "..."
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s
}
