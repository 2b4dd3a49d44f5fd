// ABOUTME: Periodically reconciles the transcript against full server snapshots.
// ABOUTME: Probes the message count first and skips ticks while a send or stream is in flight.

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SnapshotClient is what the poller needs from the runtime connection.
type SnapshotClient interface {
	CountMessages(ctx context.Context, conversationID string) (int, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Poller fetches full conversation snapshots on a fixed interval while the
// conversation is selected. A tick is skipped entirely while a send is in
// flight or a stream run is active, to avoid redundant fetches racing the
// merge algorithm.
type Poller struct {
	sync     *Synchronizer
	client   SnapshotClient
	interval time.Duration

	selected     func() string // current selection; stale results are dropped
	sendInFlight func() bool
	onGone       func() // conversation reported missing by the remote

	logger *slog.Logger
}

// NewPoller creates a poller bound to one synchronizer.
func NewPoller(
	sync *Synchronizer,
	client SnapshotClient,
	interval time.Duration,
	selected func() string,
	sendInFlight func() bool,
	onGone func(),
	logger *slog.Logger,
) *Poller {
	if interval == 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		sync:         sync,
		client:       client,
		interval:     interval,
		selected:     selected,
		sendInFlight: sendInFlight,
		onGone:       onGone,
		logger: logger.With(
			"component", "poller",
			"conversation_id", sync.ConversationID(),
		),
	}
}

// Run polls until ctx is cancelled (conversation switch or shutdown) or the
// remote reports the conversation missing. Missing is terminal for this
// conversation only: the local transcript is cleared and the poller stops,
// but the client as a whole keeps running.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one poll cycle. Returns false when polling must stop.
func (p *Poller) tick(ctx context.Context) bool {
	id := p.sync.ConversationID()
	if p.sendInFlight() || p.sync.StreamActive() {
		return true
	}

	count, err := p.client.CountMessages(ctx, id)
	if err != nil {
		return p.handleError(err, "count probe failed")
	}
	if p.selected() != id {
		return false
	}
	if count == p.sync.LastCount() {
		return true
	}

	msgs, err := p.client.ListMessages(ctx, id)
	if err != nil {
		return p.handleError(err, "snapshot fetch failed")
	}
	// The fetch is a suspension point: the selection may have changed while
	// we were waiting. Stale results are discarded silently.
	if p.selected() != id {
		return false
	}
	p.sync.ApplySnapshot(msgs)
	return true
}

func (p *Poller) handleError(err error, msg string) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsConversationNotFound(err) {
		p.logger.Info("conversation gone, clearing local state")
		p.sync.Clear()
		if p.onGone != nil {
			p.onGone()
		}
		return false
	}
	p.logger.Debug(msg, "error", err)
	return true
}
