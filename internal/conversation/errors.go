// ABOUTME: Error taxonomy for the conversation layer: send failures, missing agents, gone conversations.
// ABOUTME: SendError wraps an underlying cause exactly once and is never re-wrapped.

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-sync/internal/transport"
	"github.com/2389/coven-sync/internal/wire"
)

// ErrNoAgents is returned when no agent is available to handle a send.
var ErrNoAgents = errors.New("no agents available")

// ErrSendInFlight is returned when a send is attempted on a conversation
// that already has one in flight. Overlapping sends are rejected rather
// than serialized: hidden queueing would reorder optimistic echoes.
var ErrSendInFlight = errors.New("send already in flight")

// ErrConversationNotFound marks the remote reporting a conversation missing.
var ErrConversationNotFound = errors.New("conversation not found")

// SendError wraps the underlying cause of a failed send. WrapSend never
// double-wraps: wrapping a SendError returns it unchanged.
type SendError struct {
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// WrapSend wraps err in a SendError unless it already is one.
func WrapSend(err error) error {
	var se *SendError
	if errors.As(err, &se) {
		return err
	}
	return &SendError{Cause: err}
}

// IsConversationNotFound reports whether err is, or carries, a
// conversation-not-found signal from the runtime.
func IsConversationNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		transport.HasCode(err, wire.CodeConversationNotFound)
}
