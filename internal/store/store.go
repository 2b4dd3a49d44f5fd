// ABOUTME: Store interface and data types for the reference runtime's persistence
// ABOUTME: Defines Conversation, Message records and the Store interface the runtime serves from

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Conversation is the runtime's persisted conversation record.
type Conversation struct {
	ID           string
	Label        string
	Type         string
	AgentID      string
	LastActivity time.Time
}

// Message is one persisted transcript entry. ToolCalls carries the
// serialized tool-call descriptors for assistant messages; ToolCallID
// pairs tool-role messages with their call.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Timestamp      time.Time
	ToolCalls      string // JSON array of {id, name, arguments}, "" when none
	ToolCallID     string
}

// Store is the persistence interface the runtime serves conversations from.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	Close() error
}
