// ABOUTME: Channel-based fan-out of transcript-changed notifications to UI subscribers.
// ABOUTME: Non-blocking publish; slow subscribers miss notices rather than stalling the merge path.

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// noticeBufferSize is the channel buffer for each subscriber. A missed
// notice is harmless: the subscriber re-reads the transcript snapshot on
// the next notice it does receive.
const noticeBufferSize = 16

// ChangeNotice tells a subscriber which conversation's transcript changed.
type ChangeNotice struct {
	ConversationID string
}

// ChangeNotifier fans out transcript-changed notices to registered
// subscribers. Publishing never blocks, so the synchronizer's merge path is
// never held hostage by a slow UI.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan ChangeNotice
	logger      *slog.Logger
}

// NewChangeNotifier creates a notifier. Pass nil logger for default.
func NewChangeNotifier(logger *slog.Logger) *ChangeNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeNotifier{
		subscribers: make(map[string]chan ChangeNotice),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber. The returned channel receives a notice
// after every transcript mutation until ctx is cancelled or Unsubscribe is
// called with the returned id.
func (n *ChangeNotifier) Subscribe(ctx context.Context) (<-chan ChangeNotice, string) {
	id := uuid.New().String()
	ch := make(chan ChangeNotice, noticeBufferSize)

	n.mu.Lock()
	n.subscribers[id] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unsubscribe(id)
	}()

	return ch, id
}

// Publish delivers a notice to every subscriber, dropping it for any whose
// channel is full. Sends happen under the read lock so an Unsubscribe or
// Close cannot close a channel mid-send; the sends never block, so the
// lock is held only briefly.
func (n *ChangeNotifier) Publish(conversationID string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	notice := ChangeNotice{ConversationID: conversationID}
	for _, ch := range n.subscribers {
		select {
		case ch <- notice:
		default:
			n.logger.Debug("dropped notice for slow subscriber",
				"conversation_id", conversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *ChangeNotifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subscribers[id]
	if !ok {
		return
	}
	delete(n.subscribers, id)
	close(ch)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *ChangeNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, id)
	}
}
