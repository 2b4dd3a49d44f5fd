// ABOUTME: Method names, event names, error codes, and payload shapes for the coven protocol.
// ABOUTME: Shared by the client-side sync engine and the reference runtime server.

package wire

import (
	"encoding/json"
	"time"
)

// Methods the runtime serves.
const (
	MethodListConversations  = "conversations.list"
	MethodCreateConversation = "conversations.create"
	MethodGetConversation    = "conversations.get"
	MethodListMessages       = "messages.list"
	MethodCountMessages      = "messages.count"
	MethodListAgents         = "agents.list"
	MethodRunAgent           = "agent.run"
	MethodHealth             = "health"
)

// Event categories delivered by the runtime.
const (
	EventLifecycle  = "lifecycle"
	EventToken      = "token"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventDone       = "done"
)

// Lifecycle phases.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Server error codes.
const (
	CodeConversationNotFound = "conversation_not_found"
	CodeUnknownMethod        = "unknown_method"
	CodeBadParams            = "bad_params"
	CodeInternal             = "internal"
)

// Conversation is the wire representation of a conversation record.
type Conversation struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	Type         string    `json:"type"`
	AgentID      string    `json:"agent_id"`
	LastActivity time.Time `json:"last_activity"`
}

// ToolCall describes one tool invocation attached to a message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is the wire representation of one transcript entry.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// AgentInfo describes an agent available on the runtime.
type AgentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ConversationParams identifies a conversation for get/list/count calls.
type ConversationParams struct {
	ConversationID string `json:"conversation_id"`
}

// CreateConversationParams are the params for conversations.create.
type CreateConversationParams struct {
	AgentID string `json:"agent_id"`
	Label   string `json:"label,omitempty"`
	Type    string `json:"type,omitempty"`
}

// RunParams are the params for agent.run.
type RunParams struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RunResult is the immediate result of agent.run; streaming happens via events.
type RunResult struct {
	Status string `json:"status"` // "accepted" or "duplicate"
	RunID  string `json:"run_id,omitempty"`
}

// CountResult is the result of messages.count.
type CountResult struct {
	Count int `json:"count"`
}

// MessagesResult is the result of messages.list.
type MessagesResult struct {
	Messages []Message `json:"messages"`
}

// HealthResult is the result of the health probe.
type HealthResult struct {
	Status string `json:"status"`
}

// LifecyclePayload announces run phase transitions.
type LifecyclePayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id,omitempty"`
	Phase          string `json:"phase"`
	Error          string `json:"error,omitempty"`
}

// TokenPayload carries one incremental chunk of assistant output.
type TokenPayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	Token          string `json:"token"`
}

// ToolCallPayload announces a tool invocation during a run.
type ToolCallPayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id,omitempty"`
	Name           string `json:"name"`
	Arguments      string `json:"arguments"`
}

// ToolResultPayload carries the output of a completed tool invocation.
type ToolResultPayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id,omitempty"`
	Name           string `json:"name"`
	Result         string `json:"result"`
	IsError        bool   `json:"is_error,omitempty"`
}

// DonePayload signals that a run has fully completed and been persisted.
type DonePayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id,omitempty"`
}
