// ABOUTME: Canonical transcript types: Conversation, Message, roles, tool calls.
// ABOUTME: Includes canonicalization from wire messages and the 1-second dedup key.

package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/2389/coven-sync/internal/wire"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleThinking  Role = "thinking"
	RoleTool      Role = "tool"
)

// ToolCall describes one tool invocation attached to an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one entry in a conversation transcript.
type Message struct {
	Role       Role
	Content    string
	Timestamp  time.Time
	ToolCalls  []ToolCall
	ToolCallID string // set on tool-role messages pairing them with a call
	Raw        json.RawMessage

	// RunID tags the transient message of an in-progress stream run.
	// Cleared once the run ends; never present on persisted messages.
	RunID string
}

// Conversation is the local record of a remote conversation.
type Conversation struct {
	ID           string
	Label        string
	Type         string
	AgentID      string
	LastActivity time.Time
}

// FromWire canonicalizes a wire message: roles are lower-cased and unknown
// roles collapse to assistant, content and timestamp pass through.
func FromWire(m wire.Message) Message {
	role := Role(strings.ToLower(strings.TrimSpace(m.Role)))
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleThinking, RoleTool:
	default:
		role = RoleAssistant
	}
	calls := make([]ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if len(calls) == 0 {
		calls = nil
	}
	return Message{
		Role:       role,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		ToolCalls:  calls,
		ToolCallID: m.ToolCallID,
		Raw:        m.Raw,
	}
}

// FromWireList canonicalizes a full snapshot.
func FromWireList(in []wire.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		out = append(out, FromWire(m))
	}
	return out
}

// dedupKey buckets a message to (role, content, second). Two messages
// sharing a key are considered the same message seen via different sources.
func dedupKey(m Message) string {
	return string(m.Role) + "\x1f" + m.Content + "\x1f" +
		m.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Dedupe drops later duplicates from a freshly loaded message list; the
// first occurrence per key wins.
func Dedupe(msgs []Message) []Message {
	if len(msgs) < 2 {
		return msgs
	}
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0:0]
	for _, m := range msgs {
		k := dedupKey(m)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}
