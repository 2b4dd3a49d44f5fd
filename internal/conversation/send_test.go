// ABOUTME: Tests for the send coordinator state machine
// ABOUTME: Covers optimistic echo, rollback, overlap rejection, creation fallback, and detection

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sync/internal/transport"
	"github.com/2389/coven-sync/internal/wire"
)

// fakeRuntime is a scriptable RuntimeClient.
type fakeRuntime struct {
	mu        sync.Mutex
	connected bool
	agents    []wire.AgentInfo
	agentsErr error
	created   Conversation
	createErr error
	runErr    error
	runs      []wire.RunParams
	msgs      []Message
	listErr   error
}

func (f *fakeRuntime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRuntime) ListAgents(context.Context) ([]wire.AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents, f.agentsErr
}

func (f *fakeRuntime) CreateConversation(_ context.Context, agentID string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Conversation{}, f.createErr
	}
	conv := f.created
	conv.AgentID = agentID
	return conv, nil
}

func (f *fakeRuntime) RunAgent(_ context.Context, params wire.RunParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, params)
	return f.runErr
}

func (f *fakeRuntime) ListMessages(context.Context, string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out, nil
}

func (f *fakeRuntime) recordedRuns() []wire.RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.RunParams, len(f.runs))
	copy(out, f.runs)
	return out
}

func (f *fakeRuntime) setMessages(msgs []Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = msgs
}

// senderFixture wires a Sender around one synchronizer with a fixed selection.
type senderFixture struct {
	runtime *fakeRuntime
	sync    *Synchronizer
	sender  *Sender

	mu       sync.Mutex
	selected string
	agent    string
	halted   []string
}

func newSenderFixture(t *testing.T, selectedID, agentID string) *senderFixture {
	t.Helper()
	f := &senderFixture{
		runtime:  &fakeRuntime{connected: true},
		sync:     NewSynchronizer(selectedID, nil),
		selected: selectedID,
		agent:    agentID,
	}
	f.sender = NewSender(
		f.runtime,
		SenderOptions{DetectInterval: 10 * time.Millisecond, Tolerance: 5 * time.Second},
		func() (string, string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.selected, f.agent
		},
		func(conv Conversation) *Synchronizer {
			f.mu.Lock()
			f.selected, f.agent = conv.ID, conv.AgentID
			f.mu.Unlock()
			return f.sync
		},
		func(string) *Synchronizer { return f.sync },
		func(id string) {
			f.mu.Lock()
			f.halted = append(f.halted, id)
			f.mu.Unlock()
		},
		nil,
	)
	return f
}

func (f *senderFixture) setSelected(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = id
}

func (f *senderFixture) haltedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.halted))
	copy(out, f.halted)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendMessage_DisconnectedFailsWithoutMutation(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")
	f.runtime.connected = false

	err := f.sender.SendMessage(context.Background(), "hi")

	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, f.sync.Transcript(), "no optimistic echo on refused send")
	assert.Empty(t, f.runtime.recordedRuns())
}

func TestSendMessage_EchoThenDispatch(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")

	require.NoError(t, f.sender.SendMessage(context.Background(), "hi"))

	got := f.sync.Transcript()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, RoleUser, got[0].Role)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, RoleThinking, got[1].Role)

	runs := f.runtime.recordedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "c1", runs[0].ConversationID)
	assert.Equal(t, "a1", runs[0].AgentID)
	assert.Equal(t, "hi", runs[0].Content)
	assert.NotEmpty(t, runs[0].IdempotencyKey)
}

func TestSendMessage_FailureRollsBackEcho(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")
	f.runtime.runErr = assert.AnError

	err := f.sender.SendMessage(context.Background(), "hi")

	require.Error(t, err)
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.sync.Transcript(), "echo and thinking rolled back")
	assert.False(t, f.sender.InFlight("c1"))
}

func TestSendMessage_ErrorNeverDoubleWrapped(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")
	f.runtime.runErr = &SendError{Cause: assert.AnError}

	err := f.sender.SendMessage(context.Background(), "hi")

	require.Error(t, err)
	var se *SendError
	require.ErrorAs(t, err, &se)
	// The cause is the original error, not another SendError layer.
	_, doubled := se.Cause.(*SendError)
	assert.False(t, doubled)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSendMessage_OverlapRejected(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")
	// Keep detection alive so the first attempt stays in flight.
	f.runtime.setMessages(nil)

	require.NoError(t, f.sender.SendMessage(context.Background(), "first"))
	require.True(t, f.sender.InFlight("c1"))

	err := f.sender.SendMessage(context.Background(), "second")
	assert.ErrorIs(t, err, ErrSendInFlight)

	runs := f.runtime.recordedRuns()
	assert.Len(t, runs, 1, "rejected send dispatched nothing")
}

func TestSendMessage_CreatesConversationWhenNoneSelected(t *testing.T) {
	f := newSenderFixture(t, "", "")
	f.runtime.agents = []wire.AgentInfo{{ID: "a1"}, {ID: "a2"}}
	f.runtime.created = Conversation{ID: "c-new"}

	require.NoError(t, f.sender.SendMessage(context.Background(), "hi"))

	runs := f.runtime.recordedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "c-new", runs[0].ConversationID)
	assert.Equal(t, "a1", runs[0].AgentID, "first listed agent wins")
}

func TestSendMessage_NoAgents(t *testing.T) {
	f := newSenderFixture(t, "", "")
	f.runtime.agents = nil

	err := f.sender.SendMessage(context.Background(), "hi")

	assert.ErrorIs(t, err, ErrNoAgents)
	assert.Empty(t, f.sync.Transcript())
}

func TestDetection_ResponseClearsInFlight(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")

	require.NoError(t, f.sender.SendMessage(context.Background(), "hi"))

	// The runtime persists the turn; detection should pick it up and finish.
	f.runtime.setMessages([]Message{
		userMsg("hi", time.Now()),
		assistantMsg("hello back", time.Now()),
	})

	waitFor(t, func() bool { return !f.sender.InFlight("c1") }, "detection never completed")

	got := f.sync.Transcript()
	require.NotEmpty(t, got)
	assert.Equal(t, "hello back", got[len(got)-1].Content)
}

func TestDetection_SwitchAbortsWithoutMutation(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")
	// Keep list fetches failing so no snapshot merges while we race the
	// selection change below.
	f.runtime.listErr = assert.AnError

	require.NoError(t, f.sender.SendMessage(context.Background(), "hi"))
	before := f.sync.Transcript()

	// Selection moves to another conversation while detection is polling.
	f.setSelected("c2")

	waitFor(t, func() bool { return !f.sender.InFlight("c1") }, "detection never aborted")
	assert.Equal(t, before, f.sync.Transcript(), "stale detection mutated nothing")
}

func TestDetection_NotFoundHaltsPolling(t *testing.T) {
	f := newSenderFixture(t, "c1", "a1")
	f.runtime.listErr = notFoundErr()

	require.NoError(t, f.sender.SendMessage(context.Background(), "hi"))

	waitFor(t, func() bool { return len(f.haltedIDs()) > 0 }, "polling never halted")
	assert.Equal(t, []string{"c1"}, f.haltedIDs())

	// Thinking placeholder removed; the user echo stays.
	got := f.sync.Transcript()
	require.Len(t, got, 1)
	assert.Equal(t, RoleUser, got[0].Role)
}

func TestResponseArrived_ToleranceWindow(t *testing.T) {
	s := NewSender(&fakeRuntime{}, SenderOptions{Tolerance: 5 * time.Second},
		nil, nil, nil, nil, nil)
	sentAt := time.Now()

	// Slightly-before-send timestamps still count (clock skew tolerance).
	assert.True(t, s.responseArrived([]Message{
		assistantMsg("hello", sentAt.Add(-2*time.Second)),
	}, sentAt))

	// Old responses do not.
	assert.False(t, s.responseArrived([]Message{
		assistantMsg("hello", sentAt.Add(-time.Minute)),
	}, sentAt))

	// Empty assistant content does not count as a response.
	assert.False(t, s.responseArrived([]Message{
		assistantMsg("", sentAt),
	}, sentAt))

	// User messages do not count.
	assert.False(t, s.responseArrived([]Message{
		userMsg("hello", sentAt),
	}, sentAt))
}

func TestSendStateString(t *testing.T) {
	assert.Equal(t, "pending", SendPending.String())
	assert.Equal(t, "acked", SendAcked.String())
	assert.Equal(t, "response_detected", SendResponseDetected.String())
	assert.Equal(t, "rolled_back", SendRolledBack.String())
}
