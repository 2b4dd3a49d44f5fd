// ABOUTME: Core merge/state machine reconciling snapshots, stream events, and optimistic messages.
// ABOUTME: Single-writer per conversation; every mutation happens under the instance mutex.

package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Synchronizer owns the authoritative transcript for one conversation id.
// It merges polled snapshots, streaming events, and optimistic local
// messages into one ordered, deduplicated transcript.
//
// One instance exists per conversation id, which prevents cross-conversation
// state leakage. All mutation is serialized by the instance mutex; callers
// on other goroutines must re-validate the conversation selection before
// invoking mutating methods.
type Synchronizer struct {
	conversationID string

	mu           sync.Mutex
	transcript   []Message
	lastCount    int
	runID        string            // active stream run, "" when none
	pendingTools map[string]string // tool-call id -> tool name

	notify  func()
	refresh func()

	logger *slog.Logger
}

// NewSynchronizer creates a synchronizer for the given conversation id.
func NewSynchronizer(conversationID string, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		conversationID: conversationID,
		pendingTools:   make(map[string]string),
		logger: logger.With(
			"component", "synchronizer",
			"conversation_id", conversationID,
		),
	}
}

// SetNotify registers the transcript-changed callback. Invoked after every
// mutation that altered the transcript, outside the instance lock.
func (s *Synchronizer) SetNotify(fn func()) { s.notify = fn }

// SetRefresh registers the snapshot-refresh trigger used when a run
// completes. Invoked on its own goroutine; the implementation must
// re-validate the selection before merging the fetched snapshot.
func (s *Synchronizer) SetRefresh(fn func()) { s.refresh = fn }

// ConversationID returns the id this synchronizer is bound to.
func (s *Synchronizer) ConversationID() string { return s.conversationID }

// Transcript returns a copy of the current transcript.
func (s *Synchronizer) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// LastCount returns the message count recorded at the last snapshot merge.
// The poller compares its count probe against this before fetching.
func (s *Synchronizer) LastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCount
}

// StreamActive reports whether a stream run is in progress.
func (s *Synchronizer) StreamActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID != ""
}

// ApplySnapshot merges a full, server-authoritative message list. The list
// must already be canonicalized; it is deduplicated here before merging.
func (s *Synchronizer) ApplySnapshot(msgs []Message) {
	snapshot := Dedupe(msgs)

	s.mu.Lock()
	changed := s.mergeSnapshotLocked(snapshot)
	s.mu.Unlock()

	s.notifyIf(changed)
}

func (s *Synchronizer) mergeSnapshotLocked(snapshot []Message) bool {
	// Empty local transcript adopts the snapshot wholesale.
	if len(s.transcript) == 0 {
		if len(snapshot) == 0 {
			return false
		}
		s.transcript = snapshot
		s.lastCount = len(snapshot)
		return true
	}

	// An active stream run must survive the merge: the server may not have
	// persisted the in-progress turn yet.
	if s.runID != "" {
		transient, ok := s.transientLocked()
		if !ok {
			// Run marker without a transient message should not happen; fall
			// through to the plain comparison.
			s.logger.Warn("active run has no transient message", "run_id", s.runID)
		} else {
			merged := snapshot
			if idx := findStreamTwin(merged, transient); idx >= 0 {
				// Longer content wins. Best-effort tie-break only: under some
				// interleavings the shorter persisted content may legitimately
				// be newer, and this heuristic cannot tell.
				if len(transient.Content) > len(merged[idx].Content) {
					merged[idx] = transient
				} else {
					merged[idx].RunID = s.runID
				}
			} else {
				merged = append(merged, transient)
			}
			s.transcript = merged
			s.lastCount = len(merged)
			return true
		}
	}

	// No stream in flight: any length difference means the server knows
	// something we don't (or vice versa); replace wholesale.
	if len(snapshot) != len(s.transcript) {
		s.transcript = snapshot
		s.lastCount = len(snapshot)
		return true
	}

	// Equal lengths: compare last-message identity to avoid redundant
	// downstream updates.
	if len(snapshot) > 0 {
		last, cur := snapshot[len(snapshot)-1], s.transcript[len(s.transcript)-1]
		if !last.Timestamp.Equal(cur.Timestamp) || last.Content != cur.Content {
			s.transcript = snapshot
			s.lastCount = len(snapshot)
			return true
		}
	}
	s.lastCount = len(snapshot)
	return false
}

// transientLocked returns the transient message of the active run.
func (s *Synchronizer) transientLocked() (Message, bool) {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].RunID == s.runID {
			return s.transcript[i], true
		}
	}
	return Message{}, false
}

// findStreamTwin locates the snapshot message corresponding to an
// in-progress transient assistant message: the last assistant entry whose
// content is a prefix of the transient content or extends it.
func findStreamTwin(snapshot []Message, transient Message) int {
	for i := len(snapshot) - 1; i >= 0; i-- {
		m := snapshot[i]
		if m.Role != RoleAssistant || m.Content == "" {
			continue
		}
		if hasPrefix(transient.Content, m.Content) || hasPrefix(m.Content, transient.Content) {
			return i
		}
	}
	return -1
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ApplyToken folds one streaming token into the transcript. The first token
// of a run removes the thinking placeholder and seeds a transient assistant
// message; subsequent tokens append to it (monotonic append only).
func (s *Synchronizer) ApplyToken(runID, token string) {
	s.mu.Lock()
	if s.runID == runID && s.runID != "" {
		for i := len(s.transcript) - 1; i >= 0; i-- {
			if s.transcript[i].RunID == runID {
				s.transcript[i].Content += token
				break
			}
		}
		s.mu.Unlock()
		s.notifyIf(true)
		return
	}

	if s.runID != "" {
		// A token for a different run while one is active means the prior
		// run ended without a lifecycle end. Tolerated: the prior transient
		// message is kept as a plain assistant message.
		s.logger.Warn("stream run replaced without end",
			"old_run_id", s.runID, "new_run_id", runID)
		s.clearRunTagLocked()
	}

	s.removeThinkingLocked()
	s.transcript = append(s.transcript, Message{
		Role:      RoleAssistant,
		Content:   token,
		Timestamp: time.Now(),
		RunID:     runID,
	})
	s.runID = runID
	s.mu.Unlock()
	s.notifyIf(true)
}

// ApplyToolCall appends an assistant message carrying one tool-call
// descriptor and registers it as pending.
func (s *Synchronizer) ApplyToolCall(name, arguments string) {
	s.mu.Lock()
	s.removeThinkingLocked()
	id := uuid.New().String()
	s.transcript = append(s.transcript, Message{
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: arguments}},
	})
	s.pendingTools[id] = name
	s.mu.Unlock()
	s.notifyIf(true)
}

// ApplyToolResult pairs a result with the most recently registered
// still-pending call for the same tool name, inserting a tool-role message
// immediately after that call. When no pending call matches (race, restart,
// or name mismatch) a fallback tool message with a synthesized id is
// appended instead of failing.
func (s *Synchronizer) ApplyToolResult(name, result string) {
	s.mu.Lock()
	for i := len(s.transcript) - 1; i >= 0; i-- {
		m := s.transcript[i]
		if m.Role != RoleAssistant {
			continue
		}
		for _, call := range m.ToolCalls {
			if call.Name != name {
				continue
			}
			if _, pending := s.pendingTools[call.ID]; !pending {
				continue
			}
			delete(s.pendingTools, call.ID)
			msg := Message{
				Role:       RoleTool,
				Content:    result,
				Timestamp:  time.Now(),
				ToolCallID: call.ID,
			}
			s.transcript = append(s.transcript[:i+1],
				append([]Message{msg}, s.transcript[i+1:]...)...)
			s.mu.Unlock()
			s.notifyIf(true)
			return
		}
	}

	s.logger.Warn("unmatched tool result", "tool", name)
	s.transcript = append(s.transcript, Message{
		Role:       RoleTool,
		Content:    result,
		Timestamp:  time.Now(),
		ToolCallID: "unmatched-" + uuid.New().String(),
	})
	s.mu.Unlock()
	s.notifyIf(true)
}

// RunStarted idempotently ensures a thinking placeholder exists.
func (s *Synchronizer) RunStarted() {
	s.mu.Lock()
	changed := s.ensureThinkingLocked()
	s.mu.Unlock()
	s.notifyIf(changed)
}

// RunEnded clears the active stream run marker; content is presumed
// already merged.
func (s *Synchronizer) RunEnded(runID string) {
	s.mu.Lock()
	if s.runID != "" && (runID == "" || runID == s.runID) {
		s.clearRunTagLocked()
	}
	s.mu.Unlock()
}

// RunErrored annotates the transient message with the error, if one exists,
// and clears the run regardless.
func (s *Synchronizer) RunErrored(runID, errMsg string) {
	s.mu.Lock()
	changed := false
	if s.runID != "" && (runID == "" || runID == s.runID) {
		for i := len(s.transcript) - 1; i >= 0; i-- {
			if s.transcript[i].RunID == s.runID {
				s.transcript[i].Content += "\n\n[error: " + errMsg + "]"
				changed = true
				break
			}
		}
	}
	s.clearRunTagLocked()
	s.mu.Unlock()
	s.notifyIf(changed)
}

// RunDone clears the stream run and pending tool calls, then triggers a
// snapshot refresh to reconcile with the persisted turn.
func (s *Synchronizer) RunDone() {
	s.mu.Lock()
	s.clearRunTagLocked()
	s.pendingTools = make(map[string]string)
	refresh := s.refresh
	s.mu.Unlock()

	if refresh != nil {
		go refresh()
	}
}

// AppendUserEcho synchronously appends an optimistic user message and a
// thinking placeholder, returning the echo timestamp used later for
// rollback matching and response detection.
func (s *Synchronizer) AppendUserEcho(text string) time.Time {
	now := time.Now()
	s.mu.Lock()
	s.transcript = append(s.transcript, Message{
		Role:      RoleUser,
		Content:   text,
		Timestamp: now,
	})
	s.ensureThinkingLocked()
	s.mu.Unlock()
	s.notifyIf(true)
	return now
}

// RollbackEcho removes the optimistic user message (matched by role,
// content, and a time-window tolerance) and the thinking placeholder after
// a failed dispatch.
func (s *Synchronizer) RollbackEcho(text string, sentAt time.Time, tolerance time.Duration) {
	s.mu.Lock()
	changed := false
	for i := len(s.transcript) - 1; i >= 0; i-- {
		m := s.transcript[i]
		if m.Role == RoleUser && m.Content == text && absDuration(m.Timestamp.Sub(sentAt)) <= tolerance {
			s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
			changed = true
			break
		}
	}
	if s.removeThinkingLocked() {
		changed = true
	}
	s.mu.Unlock()
	s.notifyIf(changed)
}

// RemoveThinking drops the thinking placeholder, if present.
func (s *Synchronizer) RemoveThinking() {
	s.mu.Lock()
	changed := s.removeThinkingLocked()
	s.mu.Unlock()
	s.notifyIf(changed)
}

// CancelTransient clears all in-flight stream and tool state when the
// conversation is deselected: the run marker, pending tool calls, and the
// thinking placeholder. Persisted-looking content is left in place for the
// next time the conversation is selected.
func (s *Synchronizer) CancelTransient() {
	s.mu.Lock()
	s.clearRunTagLocked()
	s.pendingTools = make(map[string]string)
	changed := s.removeThinkingLocked()
	s.mu.Unlock()
	s.notifyIf(changed)
}

// Clear wipes the transcript and all transient state. Used when the remote
// reports the conversation missing.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	changed := len(s.transcript) > 0
	s.transcript = nil
	s.lastCount = 0
	s.runID = ""
	s.pendingTools = make(map[string]string)
	s.mu.Unlock()
	s.notifyIf(changed)
}

// clearRunTagLocked ends the active run, untagging its transient message so
// it behaves as a plain assistant message from here on.
func (s *Synchronizer) clearRunTagLocked() {
	if s.runID == "" {
		return
	}
	for i := range s.transcript {
		if s.transcript[i].RunID == s.runID {
			s.transcript[i].RunID = ""
		}
	}
	s.runID = ""
}

func (s *Synchronizer) ensureThinkingLocked() bool {
	for _, m := range s.transcript {
		if m.Role == RoleThinking {
			return false
		}
	}
	s.transcript = append(s.transcript, Message{
		Role:      RoleThinking,
		Timestamp: time.Now(),
	})
	return true
}

func (s *Synchronizer) removeThinkingLocked() bool {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Role == RoleThinking {
			s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Synchronizer) notifyIf(changed bool) {
	if changed && s.notify != nil {
		s.notify()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
