// ABOUTME: Tests for change-notice fan-out to transcript subscribers
// ABOUTME: Covers delivery, slow-subscriber drops, and unsubscribe paths

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishDelivers(t *testing.T) {
	n := NewChangeNotifier(nil)
	defer n.Close()

	ch, _ := n.Subscribe(context.Background())
	n.Publish("c1")

	select {
	case notice := <-ch:
		assert.Equal(t, "c1", notice.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("notice never arrived")
	}
}

func TestNotifier_MultipleSubscribers(t *testing.T) {
	n := NewChangeNotifier(nil)
	defer n.Close()

	ch1, _ := n.Subscribe(context.Background())
	ch2, _ := n.Subscribe(context.Background())
	n.Publish("c1")

	for _, ch := range []<-chan ChangeNotice{ch1, ch2} {
		select {
		case notice := <-ch:
			assert.Equal(t, "c1", notice.ConversationID)
		case <-time.After(time.Second):
			t.Fatal("notice never arrived")
		}
	}
}

func TestNotifier_SlowSubscriberDoesNotBlock(t *testing.T) {
	n := NewChangeNotifier(nil)
	defer n.Close()

	n.Subscribe(context.Background()) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < noticeBufferSize*3; i++ {
			n.Publish("c1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewChangeNotifier(nil)
	defer n.Close()

	ch, id := n.Subscribe(context.Background())
	n.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open, "channel closed after unsubscribe")

	// Idempotent.
	n.Unsubscribe(id)
}

func TestNotifier_ContextCancelUnsubscribes(t *testing.T) {
	n := NewChangeNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := n.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestNotifier_PublishUnsubscribeRace(t *testing.T) {
	n := NewChangeNotifier(nil)
	defer n.Close()

	// Hammer publishes against churning subscriptions; a close landing
	// between snapshot and send would panic here.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				n.Publish("c1")
			}
		}
	}()

	for i := 0; i < 500; i++ {
		_, id := n.Subscribe(context.Background())
		n.Unsubscribe(id)
	}
	close(stop)
	wg.Wait()
}

func TestNotifier_Close(t *testing.T) {
	n := NewChangeNotifier(nil)
	ch, _ := n.Subscribe(context.Background())

	n.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is a no-op, not a panic.
	n.Publish("c1")
}
