// ABOUTME: Scripted agent that drives each accepted run to completion
// ABOUTME: Emits lifecycle/token/tool events, persists the result, then signals done

package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sync/internal/store"
	"github.com/2389/coven-sync/internal/wire"
)

// ToolStep is an optional tool invocation the script performs before replying.
type ToolStep struct {
	Name      string
	Arguments string
	Result    string
	IsError   bool
}

// Script configures what a run emits. The reply is streamed as token events
// in ChunkSize-rune chunks with TokenDelay between them.
type Script struct {
	Reply      string
	ChunkSize  int
	TokenDelay time.Duration
	Tool       *ToolStep
}

func (sc Script) withDefaults() Script {
	if sc.Reply == "" {
		sc.Reply = "Hello from the scripted agent."
	}
	if sc.ChunkSize <= 0 {
		sc.ChunkSize = 4
	}
	if sc.TokenDelay < 0 {
		sc.TokenDelay = 0
	}
	return sc
}

// chunks splits the reply into rune-safe token chunks.
func (sc Script) chunks() []string {
	runes := []rune(sc.Reply)
	var out []string
	for i := 0; i < len(runes); i += sc.ChunkSize {
		end := i + sc.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// runScript plays the configured script for one run against one session.
func (s *Server) runScript(ctx context.Context, sess *session, conversationID, runID string) {
	script := s.opts.Script

	s.emit(sess, wire.EventLifecycle, wire.LifecyclePayload{
		ConversationID: conversationID,
		RunID:          runID,
		Phase:          wire.PhaseStart,
	})

	if script.Tool != nil {
		s.playTool(ctx, sess, conversationID, runID, script.Tool)
	}

	for _, chunk := range script.chunks() {
		s.emit(sess, wire.EventToken, wire.TokenPayload{
			ConversationID: conversationID,
			RunID:          runID,
			Token:          chunk,
		})
		if script.TokenDelay > 0 {
			time.Sleep(script.TokenDelay)
		}
	}

	now := time.Now().UTC()
	assistant := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        script.Reply,
		Timestamp:      now,
	}
	if err := s.store.AppendMessage(ctx, assistant); err != nil {
		s.logger.Error("persisting assistant message failed",
			"conversation_id", conversationID, "run_id", runID, "error", err)
		s.emit(sess, wire.EventLifecycle, wire.LifecyclePayload{
			ConversationID: conversationID,
			RunID:          runID,
			Phase:          wire.PhaseError,
			Error:          "persisting reply failed",
		})
		return
	}
	if err := s.store.TouchConversation(ctx, conversationID, now); err != nil {
		s.logger.Warn("touch failed", "conversation_id", conversationID, "error", err)
	}

	s.emit(sess, wire.EventLifecycle, wire.LifecyclePayload{
		ConversationID: conversationID,
		RunID:          runID,
		Phase:          wire.PhaseEnd,
	})
	s.emit(sess, wire.EventDone, wire.DonePayload{
		ConversationID: conversationID,
		RunID:          runID,
	})
	s.logger.Info("run completed", "conversation_id", conversationID, "run_id", runID)
}

// playTool emits the tool call/result pair and persists both sides so polls
// reconstruct the same transcript the stream produced.
func (s *Server) playTool(ctx context.Context, sess *session, conversationID, runID string, tool *ToolStep) {
	callID := uuid.New().String()

	s.emit(sess, wire.EventToolCall, wire.ToolCallPayload{
		ConversationID: conversationID,
		RunID:          runID,
		Name:           tool.Name,
		Arguments:      tool.Arguments,
	})

	calls, err := json.Marshal([]wire.ToolCall{{ID: callID, Name: tool.Name, Arguments: tool.Arguments}})
	if err == nil {
		callMsg := &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           "assistant",
			Timestamp:      time.Now().UTC(),
			ToolCalls:      string(calls),
		}
		if err := s.store.AppendMessage(ctx, callMsg); err != nil {
			s.logger.Warn("persisting tool call failed", "conversation_id", conversationID, "error", err)
		}
	}

	s.emit(sess, wire.EventToolResult, wire.ToolResultPayload{
		ConversationID: conversationID,
		RunID:          runID,
		Name:           tool.Name,
		Result:         tool.Result,
		IsError:        tool.IsError,
	})

	resultMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           "tool",
		Content:        tool.Result,
		Timestamp:      time.Now().UTC(),
		ToolCallID:     callID,
	}
	if err := s.store.AppendMessage(ctx, resultMsg); err != nil {
		s.logger.Warn("persisting tool result failed", "conversation_id", conversationID, "error", err)
	}
}
