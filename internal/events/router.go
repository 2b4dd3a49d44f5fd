// ABOUTME: Dispatches inbound event frames to the synchronizer by category.
// ABOUTME: Filters out events whose conversation id does not match the current selection.

package events

import (
	"encoding/json"
	"log/slog"

	"github.com/2389/coven-sync/internal/wire"
)

// Handler receives decoded events for the selected conversation.
type Handler interface {
	HandleLifecycle(wire.LifecyclePayload)
	HandleToken(wire.TokenPayload)
	HandleToolCall(wire.ToolCallPayload)
	HandleToolResult(wire.ToolResultPayload)
	HandleDone(wire.DonePayload)
}

// Router decodes event frames and forwards them to a Handler. Events for
// conversations other than the selected one are dropped; this filter is the
// primary defense against stale cross-conversation mutation after a switch.
type Router struct {
	selected func() string
	handler  Handler
	logger   *slog.Logger
}

// NewRouter creates a router. selected returns the currently selected
// conversation id ("" when none).
func NewRouter(selected func() string, handler Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		selected: selected,
		handler:  handler,
		logger:   logger.With("component", "events"),
	}
}

// Route processes one inbound event frame. It is called from the transport's
// single reader goroutine, so handler invocations are serialized in arrival
// order.
func (r *Router) Route(f *wire.Frame) {
	switch f.Event {
	case wire.EventLifecycle:
		var p wire.LifecyclePayload
		if r.decode(f, &p) && r.admit(p.ConversationID, f.Event) {
			r.handler.HandleLifecycle(p)
		}
	case wire.EventToken:
		var p wire.TokenPayload
		if r.decode(f, &p) && r.admit(p.ConversationID, f.Event) {
			r.handler.HandleToken(p)
		}
	case wire.EventToolCall:
		var p wire.ToolCallPayload
		if r.decode(f, &p) && r.admit(p.ConversationID, f.Event) {
			r.handler.HandleToolCall(p)
		}
	case wire.EventToolResult:
		var p wire.ToolResultPayload
		if r.decode(f, &p) && r.admit(p.ConversationID, f.Event) {
			r.handler.HandleToolResult(p)
		}
	case wire.EventDone:
		var p wire.DonePayload
		if r.decode(f, &p) && r.admit(p.ConversationID, f.Event) {
			r.handler.HandleDone(p)
		}
	default:
		r.logger.Debug("ignoring unknown event category", "event", f.Event)
	}
}

func (r *Router) decode(f *wire.Frame, into any) bool {
	if err := json.Unmarshal(f.Payload, into); err != nil {
		r.logger.Warn("dropping undecodable event payload", "event", f.Event, "error", err)
		return false
	}
	return true
}

// admit reports whether an event for the given conversation should be
// delivered.
func (r *Router) admit(conversationID, event string) bool {
	sel := r.selected()
	if sel == "" || conversationID != sel {
		r.logger.Debug("dropping event for unselected conversation",
			"event", event,
			"conversation_id", conversationID,
			"selected", sel)
		return false
	}
	return true
}
