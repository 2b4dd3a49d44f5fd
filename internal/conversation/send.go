// ABOUTME: Orchestrates outgoing messages: optimistic echo, run dispatch, and response detection.
// ABOUTME: Each send is an explicit state machine: Pending -> Acked -> ResponseDetected | RolledBack.

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sync/internal/transport"
	"github.com/2389/coven-sync/internal/wire"
)

// RuntimeClient is what the sender needs from the runtime connection.
type RuntimeClient interface {
	Connected() bool
	ListAgents(ctx context.Context) ([]wire.AgentInfo, error)
	CreateConversation(ctx context.Context, agentID string) (Conversation, error)
	RunAgent(ctx context.Context, params wire.RunParams) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// SendState tracks one send through its lifecycle.
type SendState int

const (
	SendPending SendState = iota
	SendAcked
	SendResponseDetected
	SendRolledBack
)

// String returns a human-readable state name.
func (s SendState) String() string {
	switch s {
	case SendAcked:
		return "acked"
	case SendResponseDetected:
		return "response_detected"
	case SendRolledBack:
		return "rolled_back"
	default:
		return "pending"
	}
}

// sendAttempt is the per-send state machine. Modeling sends explicitly
// makes "never duplicate a rolled-back optimistic message" checkable: a
// rolled-back attempt is terminal and its idempotency key is never reused.
type sendAttempt struct {
	id             string
	conversationID string
	text           string
	sentAt         time.Time

	mu    sync.Mutex
	state SendState
}

func (a *sendAttempt) transition(to SendState, logger *slog.Logger) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()
	logger.Debug("send state transition",
		"send_id", a.id,
		"conversation_id", a.conversationID,
		"from", from.String(),
		"to", to.String())
}

// SenderOptions configures send timing. Zero values fall back to defaults.
type SenderOptions struct {
	DetectInterval time.Duration // post-send detection poll interval
	Tolerance      time.Duration // time-window tolerance for echo matching and detection
}

// Sender coordinates outgoing messages for the selected conversation.
type Sender struct {
	client RuntimeClient
	opts   SenderOptions

	// selected returns the current selection (conversation id, agent id),
	// both "" when nothing is selected.
	selected func() (string, string)
	// adopt selects a freshly created conversation and returns its
	// synchronizer.
	adopt func(Conversation) *Synchronizer
	// syncFor returns the synchronizer owning a conversation id.
	syncFor func(string) *Synchronizer
	// haltPolling stops the poller for a conversation the remote no longer
	// knows about.
	haltPolling func(string)

	mu       sync.Mutex
	inFlight map[string]*sendAttempt // conversation id -> active attempt

	logger *slog.Logger
}

// NewSender creates a send coordinator.
func NewSender(
	client RuntimeClient,
	opts SenderOptions,
	selected func() (string, string),
	adopt func(Conversation) *Synchronizer,
	syncFor func(string) *Synchronizer,
	haltPolling func(string),
	logger *slog.Logger,
) *Sender {
	if opts.DetectInterval == 0 {
		opts.DetectInterval = time.Second
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client:      client,
		opts:        opts,
		selected:    selected,
		adopt:       adopt,
		syncFor:     syncFor,
		haltPolling: haltPolling,
		inFlight:    make(map[string]*sendAttempt),
		logger:      logger.With("component", "sender"),
	}
}

// InFlight reports whether a send is active on the given conversation. The
// poller uses this to skip ticks that would race the detection loop.
func (s *Sender) InFlight(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[conversationID]
	return ok
}

// SendMessage appends an optimistic user echo plus thinking placeholder,
// dispatches the run request, and starts the response-detection loop.
//
// While disconnected it fails immediately with transport.ErrNotConnected
// and mutates nothing. Overlapping sends on one conversation are rejected
// with ErrSendInFlight. Failures after the optimistic echo roll it back and
// surface as a SendError wrapping the cause.
func (s *Sender) SendMessage(ctx context.Context, text string) error {
	if !s.client.Connected() {
		return transport.ErrNotConnected
	}

	conversationID, agentID := s.selected()
	var sync *Synchronizer
	if conversationID == "" {
		conv, err := s.createConversation(ctx)
		if err != nil {
			return err
		}
		conversationID, agentID = conv.ID, conv.AgentID
		sync = s.adopt(conv)
	} else {
		sync = s.syncFor(conversationID)
	}

	attempt := &sendAttempt{
		id:             uuid.New().String(),
		conversationID: conversationID,
		text:           text,
	}
	s.mu.Lock()
	if _, busy := s.inFlight[conversationID]; busy {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.inFlight[conversationID] = attempt
	s.mu.Unlock()

	// Optimistic echo before any network round trip: zero-latency feedback.
	attempt.sentAt = sync.AppendUserEcho(text)

	err := s.client.RunAgent(ctx, wire.RunParams{
		ConversationID: conversationID,
		AgentID:        agentID,
		Content:        text,
		IdempotencyKey: attempt.id,
	})
	if err != nil {
		sync.RollbackEcho(text, attempt.sentAt, s.opts.Tolerance)
		attempt.transition(SendRolledBack, s.logger)
		s.clear(conversationID)
		return WrapSend(err)
	}

	attempt.transition(SendAcked, s.logger)
	go s.detectResponse(attempt, sync)
	return nil
}

// createConversation resolves an agent (listing available agents as a
// fallback) and creates a conversation for it.
func (s *Sender) createConversation(ctx context.Context) (Conversation, error) {
	agents, err := s.client.ListAgents(ctx)
	if err != nil {
		return Conversation{}, err
	}
	if len(agents) == 0 {
		return Conversation{}, ErrNoAgents
	}
	conv, err := s.client.CreateConversation(ctx, agents[0].ID)
	if err != nil {
		return Conversation{}, err
	}
	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"agent_id", conv.AgentID)
	return conv, nil
}

// detectResponse polls for an assistant message timestamped at or after
// (send time - tolerance). The loop is deliberately exempt from any overall
// timeout so long-running agent turns are tolerated; it terminates only on
// detection, a conversation switch (stale abort, no mutation), or a
// definitive conversation-not-found signal.
//
// A detached context is used on purpose: detection must outlive the
// SendMessage call that spawned it.
func (s *Sender) detectResponse(attempt *sendAttempt, sync *Synchronizer) {
	defer s.clear(attempt.conversationID)

	ticker := time.NewTicker(s.opts.DetectInterval)
	defer ticker.Stop()

	for range ticker.C {
		if sel, _ := s.selected(); sel != attempt.conversationID {
			return
		}

		msgs, err := s.client.ListMessages(context.Background(), attempt.conversationID)
		if err != nil {
			if IsConversationNotFound(err) {
				s.logger.Info("conversation gone during response detection",
					"conversation_id", attempt.conversationID)
				sync.RemoveThinking()
				if s.haltPolling != nil {
					s.haltPolling(attempt.conversationID)
				}
				return
			}
			// Transient failures are tolerated indefinitely.
			s.logger.Debug("detection poll failed", "error", err)
			continue
		}

		// The fetch suspended us; re-validate the selection before touching
		// shared state.
		if sel, _ := s.selected(); sel != attempt.conversationID {
			return
		}
		sync.ApplySnapshot(msgs)

		if s.responseArrived(msgs, attempt.sentAt) {
			attempt.transition(SendResponseDetected, s.logger)
			return
		}
	}
}

// responseArrived scans for an assistant message at or after the send time
// minus the tolerance window.
func (s *Sender) responseArrived(msgs []Message, sentAt time.Time) bool {
	cutoff := sentAt.Add(-s.opts.Tolerance)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == RoleAssistant && m.Content != "" && !m.Timestamp.Before(cutoff) {
			return true
		}
	}
	return false
}

func (s *Sender) clear(conversationID string) {
	s.mu.Lock()
	delete(s.inFlight, conversationID)
	s.mu.Unlock()
}
