// ABOUTME: Client facade wiring transport, correlation, event routing, and per-conversation sync.
// ABOUTME: Exposes SendMessage, transcript access, change subscription, and the status signal.

package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-sync/internal/conversation"
	"github.com/2389/coven-sync/internal/events"
	"github.com/2389/coven-sync/internal/transport"
	"github.com/2389/coven-sync/internal/wire"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	ServerURL      string
	Transport      transport.Options
	RequestTimeout time.Duration
	PollInterval   time.Duration
	DetectInterval time.Duration
	Tolerance      time.Duration
}

// Client is the top-level conversation synchronization engine. It owns one
// websocket connection to a runtime and one Synchronizer per conversation
// id, and exposes the upward interface the UI layer consumes.
type Client struct {
	opts  Options
	conn  *transport.Conn
	calls *transport.Correlator

	notifier *conversation.ChangeNotifier
	sender   *conversation.Sender

	mu            sync.Mutex
	selectedID    string
	selectedAgent string
	selCancel     context.CancelFunc
	syncs         map[string]*conversation.Synchronizer
	conversations map[string]conversation.Conversation

	logger *slog.Logger
}

// New creates a client for the given runtime URL. Call Connect before use.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 3 * time.Second
	}

	c := &Client{
		opts:          opts,
		notifier:      conversation.NewChangeNotifier(logger),
		syncs:         make(map[string]*conversation.Synchronizer),
		conversations: make(map[string]conversation.Conversation),
		logger:        logger.With("component", "client"),
	}

	c.conn = transport.NewConn(opts.ServerURL, opts.Transport, logger)
	c.calls = transport.NewCorrelator(c.conn, opts.RequestTimeout, logger)

	router := events.NewRouter(c.SelectedConversation, &eventHandler{c: c}, logger)
	c.conn.OnEvent(router.Route)

	c.sender = conversation.NewSender(
		c,
		conversation.SenderOptions{
			DetectInterval: opts.DetectInterval,
			Tolerance:      opts.Tolerance,
		},
		c.selectedPair,
		c.adoptConversation,
		c.syncFor,
		c.stopPolling,
		logger,
	)
	return c
}

// Connect establishes the connection to the runtime.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect tears down the connection and fails all pending requests.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.selCancel != nil {
		c.selCancel()
		c.selCancel = nil
	}
	c.mu.Unlock()
	c.conn.Disconnect()
}

// Status returns the current connection status.
func (c *Client) Status() transport.Status { return c.conn.Status() }

// OnStatus registers the connection-status signal callback.
func (c *Client) OnStatus(fn func(transport.Status)) { c.conn.OnStatus(fn) }

// Connected reports whether the transport is currently connected.
func (c *Client) Connected() bool { return c.conn.Status() == transport.StatusConnected }

// SendMessage sends text to the selected conversation, creating one when
// none is selected.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	return c.sender.SendMessage(ctx, text)
}

// Transcript returns a snapshot of the selected conversation's transcript.
func (c *Client) Transcript() []conversation.Message {
	c.mu.Lock()
	sync := c.syncs[c.selectedID]
	c.mu.Unlock()
	if sync == nil {
		return nil
	}
	return sync.Transcript()
}

// SubscribeTranscript registers for transcript-changed notices.
func (c *Client) SubscribeTranscript(ctx context.Context) (<-chan conversation.ChangeNotice, string) {
	return c.notifier.Subscribe(ctx)
}

// SelectedConversation returns the currently selected conversation id, or
// "" when none is selected.
func (c *Client) SelectedConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedID
}

// Select makes conv the active conversation. Switching synchronously
// cancels all in-flight work for the previous selection and clears its
// transient state before any further event for the old id can be applied.
func (c *Client) Select(conv conversation.Conversation) *conversation.Synchronizer {
	c.mu.Lock()
	if c.selectedID == conv.ID {
		sync := c.ensureSyncLocked(conv.ID)
		c.mu.Unlock()
		return sync
	}
	if c.selCancel != nil {
		c.selCancel()
		c.selCancel = nil
	}
	previous := c.syncs[c.selectedID]
	c.selectedID = conv.ID
	c.selectedAgent = conv.AgentID
	c.conversations[conv.ID] = conv
	sync := c.ensureSyncLocked(conv.ID)

	selCtx, cancel := context.WithCancel(context.Background())
	c.selCancel = cancel
	c.mu.Unlock()

	if previous != nil {
		previous.CancelTransient()
	}
	c.notifier.Publish(conv.ID)

	poller := conversation.NewPoller(
		sync,
		c,
		c.opts.PollInterval,
		c.SelectedConversation,
		func() bool { return c.sender.InFlight(conv.ID) },
		func() { c.forget(conv.ID) },
		c.logger,
	)
	go poller.Run(selCtx)
	go c.refreshConversation(conv.ID)
	return sync
}

// SelectByID fetches conversation metadata and selects it.
func (c *Client) SelectByID(ctx context.Context, conversationID string) error {
	conv, err := c.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	c.Select(conv)
	return nil
}

// Deselect clears the selection, cancelling in-flight work for it.
func (c *Client) Deselect() {
	c.mu.Lock()
	if c.selCancel != nil {
		c.selCancel()
		c.selCancel = nil
	}
	previous := c.syncs[c.selectedID]
	c.selectedID = ""
	c.selectedAgent = ""
	c.mu.Unlock()

	if previous != nil {
		previous.CancelTransient()
	}
	c.notifier.Publish("")
}

// Close disconnects and shuts down subscriber channels.
func (c *Client) Close() {
	c.Disconnect()
	c.notifier.Close()
}

// --- RPC wrappers -----------------------------------------------------

// ListConversations fetches all conversations known to the runtime.
func (c *Client) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	raw, err := c.calls.Call(ctx, wire.MethodListConversations, nil)
	if err != nil {
		return nil, err
	}
	var convs []wire.Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		return nil, err
	}
	out := make([]conversation.Conversation, 0, len(convs))
	for _, wc := range convs {
		out = append(out, fromWireConversation(wc))
	}
	return out, nil
}

// GetConversation fetches one conversation's metadata.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	raw, err := c.calls.Call(ctx, wire.MethodGetConversation,
		wire.ConversationParams{ConversationID: conversationID})
	if err != nil {
		return conversation.Conversation{}, err
	}
	var wc wire.Conversation
	if err := json.Unmarshal(raw, &wc); err != nil {
		return conversation.Conversation{}, err
	}
	return fromWireConversation(wc), nil
}

// CreateConversation creates a conversation owned by the given agent.
func (c *Client) CreateConversation(ctx context.Context, agentID string) (conversation.Conversation, error) {
	raw, err := c.calls.Call(ctx, wire.MethodCreateConversation,
		wire.CreateConversationParams{AgentID: agentID})
	if err != nil {
		return conversation.Conversation{}, err
	}
	var wc wire.Conversation
	if err := json.Unmarshal(raw, &wc); err != nil {
		return conversation.Conversation{}, err
	}
	return fromWireConversation(wc), nil
}

// ListAgents fetches the agents available on the runtime.
func (c *Client) ListAgents(ctx context.Context) ([]wire.AgentInfo, error) {
	raw, err := c.calls.Call(ctx, wire.MethodListAgents, nil)
	if err != nil {
		return nil, err
	}
	var agents []wire.AgentInfo
	if err := json.Unmarshal(raw, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListMessages fetches and canonicalizes a conversation's full message list.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	raw, err := c.calls.Call(ctx, wire.MethodListMessages,
		wire.ConversationParams{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	var res wire.MessagesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return conversation.FromWireList(res.Messages), nil
}

// CountMessages is the cheap probe used before fetching a full snapshot.
func (c *Client) CountMessages(ctx context.Context, conversationID string) (int, error) {
	raw, err := c.calls.Call(ctx, wire.MethodCountMessages,
		wire.ConversationParams{ConversationID: conversationID})
	if err != nil {
		return 0, err
	}
	var res wire.CountResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// RunAgent dispatches an agent turn; streaming output arrives via events.
func (c *Client) RunAgent(ctx context.Context, params wire.RunParams) error {
	_, err := c.calls.Call(ctx, wire.MethodRunAgent, params)
	return err
}

// Health probes the runtime.
func (c *Client) Health(ctx context.Context) error {
	raw, err := c.calls.Call(ctx, wire.MethodHealth, nil)
	if err != nil {
		return err
	}
	var res wire.HealthResult
	return json.Unmarshal(raw, &res)
}

// --- internal wiring --------------------------------------------------

func (c *Client) selectedPair() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedID, c.selectedAgent
}

func (c *Client) adoptConversation(conv conversation.Conversation) *conversation.Synchronizer {
	return c.Select(conv)
}

func (c *Client) syncFor(conversationID string) *conversation.Synchronizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureSyncLocked(conversationID)
}

// syncIfSelected returns the synchronizer only when the conversation is
// still the active selection. Event handlers use this as a second line of
// defense behind the router filter.
func (c *Client) syncIfSelected(conversationID string) *conversation.Synchronizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conversationID == "" || conversationID != c.selectedID {
		return nil
	}
	return c.ensureSyncLocked(conversationID)
}

func (c *Client) ensureSyncLocked(conversationID string) *conversation.Synchronizer {
	if conversationID == "" {
		return nil
	}
	sync, ok := c.syncs[conversationID]
	if !ok {
		sync = conversation.NewSynchronizer(conversationID, c.logger)
		sync.SetNotify(func() { c.notifier.Publish(conversationID) })
		sync.SetRefresh(func() { c.refreshConversation(conversationID) })
		c.syncs[conversationID] = sync
	}
	return sync
}

// refreshConversation fetches a fresh snapshot and merges it, discarding
// the result silently when the selection moved on while we were fetching.
func (c *Client) refreshConversation(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msgs, err := c.ListMessages(ctx, conversationID)
	if err != nil {
		c.logger.Debug("snapshot refresh failed",
			"conversation_id", conversationID, "error", err)
		return
	}
	sync := c.syncIfSelected(conversationID)
	if sync == nil {
		return
	}
	sync.ApplySnapshot(msgs)
}

// stopPolling halts polling for a conversation the runtime reports missing.
// The selection itself is left alone; the caller decides what to show.
func (c *Client) stopPolling(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selectedID == conversationID && c.selCancel != nil {
		c.selCancel()
		c.selCancel = nil
	}
}

// forget drops local records of a conversation the runtime no longer knows.
func (c *Client) forget(conversationID string) {
	c.mu.Lock()
	delete(c.conversations, conversationID)
	if c.selectedID == conversationID && c.selCancel != nil {
		c.selCancel()
		c.selCancel = nil
	}
	c.mu.Unlock()
}

func fromWireConversation(wc wire.Conversation) conversation.Conversation {
	return conversation.Conversation{
		ID:           wc.ID,
		Label:        wc.Label,
		Type:         wc.Type,
		AgentID:      wc.AgentID,
		LastActivity: wc.LastActivity,
	}
}

// eventHandler adapts routed events onto the owning synchronizer. The
// router has already filtered by selection; the syncIfSelected check
// re-validates because routing and selection race across goroutines.
type eventHandler struct {
	c *Client
}

func (h *eventHandler) HandleLifecycle(p wire.LifecyclePayload) {
	sync := h.c.syncIfSelected(p.ConversationID)
	if sync == nil {
		return
	}
	switch p.Phase {
	case wire.PhaseStart:
		sync.RunStarted()
	case wire.PhaseEnd:
		sync.RunEnded(p.RunID)
	case wire.PhaseError:
		sync.RunErrored(p.RunID, p.Error)
	}
}

func (h *eventHandler) HandleToken(p wire.TokenPayload) {
	if sync := h.c.syncIfSelected(p.ConversationID); sync != nil {
		sync.ApplyToken(p.RunID, p.Token)
	}
}

func (h *eventHandler) HandleToolCall(p wire.ToolCallPayload) {
	if sync := h.c.syncIfSelected(p.ConversationID); sync != nil {
		sync.ApplyToolCall(p.Name, p.Arguments)
	}
}

func (h *eventHandler) HandleToolResult(p wire.ToolResultPayload) {
	sync := h.c.syncIfSelected(p.ConversationID)
	if sync == nil {
		return
	}
	result := p.Result
	if p.IsError {
		result = "[tool error] " + result
	}
	sync.ApplyToolResult(p.Name, result)
}

func (h *eventHandler) HandleDone(p wire.DonePayload) {
	if sync := h.c.syncIfSelected(p.ConversationID); sync != nil {
		sync.RunDone()
	}
}
