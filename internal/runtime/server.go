// ABOUTME: Reference runtime server speaking the coven wire protocol over websocket
// ABOUTME: Serves the request methods against the store and streams scripted agent runs

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-sync/internal/dedupe"
	"github.com/2389/coven-sync/internal/store"
	"github.com/2389/coven-sync/internal/wire"
)

// Options configures a runtime Server.
type Options struct {
	// Agents advertised by agents.list. Defaults to a single scripted agent.
	Agents []wire.AgentInfo

	// Script drives what each agent.run emits.
	Script Script

	// DedupeTTL bounds how long idempotency keys are remembered.
	DedupeTTL time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if len(o.Agents) == 0 {
		o.Agents = []wire.AgentInfo{{
			ID:           "scripted",
			Name:         "Scripted Agent",
			Capabilities: []string{"chat"},
		}}
	}
	o.Script = o.Script.withDefaults()
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server is the reference agent runtime. It upgrades HTTP connections to
// websocket, answers request frames against the store, and streams scripted
// run events back on the same connection.
type Server struct {
	store    store.Store
	opts     Options
	upgrader websocket.Upgrader
	dedupe   *dedupe.Cache
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer creates a runtime server backed by the given store.
func NewServer(st store.Store, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		store: st,
		opts:  opts,
		upgrader: websocket.Upgrader{
			// The runtime is a local development server; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dedupe:   dedupe.New(opts.DedupeTTL, 10000),
		logger:   opts.Logger.With("component", "runtime"),
		sessions: make(map[string]*session),
	}
}

// Handler returns the HTTP handler that upgrades to the wire protocol.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// session is one connected client. Writes are serialized because gorilla
// websocket allows at most one concurrent writer.
type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (sess *session) send(f *wire.Frame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteJSON(f)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{id: uuid.New().String(), conn: conn}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("client connected", "session_id", sess.id, "remote", r.RemoteAddr)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("client disconnected", "session_id", sess.id)
	}()

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "session_id", sess.id, "error", err)
			}
			return
		}
		if frame.Type != wire.TypeRequest {
			s.logger.Warn("unexpected frame type", "type", frame.Type, "session_id", sess.id)
			continue
		}
		s.dispatch(r.Context(), sess, &frame)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, req *wire.Frame) {
	resp, err := s.handle(ctx, sess, req)
	if err != nil {
		resp = s.errorFrame(req.ID, err)
	}
	if sendErr := sess.send(resp); sendErr != nil {
		s.logger.Debug("response write failed", "session_id", sess.id, "error", sendErr)
	}
}

func (s *Server) handle(ctx context.Context, sess *session, req *wire.Frame) (*wire.Frame, error) {
	switch req.Method {
	case wire.MethodHealth:
		return wire.Response(req.ID, wire.HealthResult{Status: "ok"})

	case wire.MethodListAgents:
		return wire.Response(req.ID, s.opts.Agents)

	case wire.MethodListConversations:
		convs, err := s.store.ListConversations(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		out := make([]wire.Conversation, 0, len(convs))
		for _, c := range convs {
			out = append(out, toWireConversation(c))
		}
		return wire.Response(req.ID, out)

	case wire.MethodCreateConversation:
		var params wire.CreateConversationParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return wire.ErrorResponse(req.ID, wire.CodeBadParams, "invalid create params"), nil
		}
		conv := &store.Conversation{
			ID:           uuid.New().String(),
			Label:        params.Label,
			Type:         params.Type,
			AgentID:      params.AgentID,
			LastActivity: time.Now().UTC(),
		}
		if conv.Type == "" {
			conv.Type = "chat"
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		s.logger.Info("conversation created", "conversation_id", conv.ID, "agent_id", conv.AgentID)
		return wire.Response(req.ID, toWireConversation(conv))

	case wire.MethodGetConversation:
		var params wire.ConversationParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ConversationID == "" {
			return wire.ErrorResponse(req.ID, wire.CodeBadParams, "conversation_id required"), nil
		}
		conv, err := s.store.GetConversation(ctx, params.ConversationID)
		if errors.Is(err, store.ErrNotFound) {
			return wire.ErrorResponse(req.ID, wire.CodeConversationNotFound, "no such conversation"), nil
		}
		if err != nil {
			return nil, fmt.Errorf("getting conversation: %w", err)
		}
		return wire.Response(req.ID, toWireConversation(conv))

	case wire.MethodListMessages:
		var params wire.ConversationParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ConversationID == "" {
			return wire.ErrorResponse(req.ID, wire.CodeBadParams, "conversation_id required"), nil
		}
		if _, err := s.store.GetConversation(ctx, params.ConversationID); errors.Is(err, store.ErrNotFound) {
			return wire.ErrorResponse(req.ID, wire.CodeConversationNotFound, "no such conversation"), nil
		} else if err != nil {
			return nil, fmt.Errorf("getting conversation: %w", err)
		}
		msgs, err := s.store.ListMessages(ctx, params.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		out := wire.MessagesResult{Messages: make([]wire.Message, 0, len(msgs))}
		for _, m := range msgs {
			wm, err := toWireMessage(m)
			if err != nil {
				return nil, fmt.Errorf("decoding stored message %s: %w", m.ID, err)
			}
			out.Messages = append(out.Messages, wm)
		}
		return wire.Response(req.ID, out)

	case wire.MethodCountMessages:
		var params wire.ConversationParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ConversationID == "" {
			return wire.ErrorResponse(req.ID, wire.CodeBadParams, "conversation_id required"), nil
		}
		if _, err := s.store.GetConversation(ctx, params.ConversationID); errors.Is(err, store.ErrNotFound) {
			return wire.ErrorResponse(req.ID, wire.CodeConversationNotFound, "no such conversation"), nil
		} else if err != nil {
			return nil, fmt.Errorf("getting conversation: %w", err)
		}
		count, err := s.store.CountMessages(ctx, params.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("counting messages: %w", err)
		}
		return wire.Response(req.ID, wire.CountResult{Count: count})

	case wire.MethodRunAgent:
		var params wire.RunParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ConversationID == "" || params.Content == "" {
			return wire.ErrorResponse(req.ID, wire.CodeBadParams, "conversation_id and content required"), nil
		}
		return s.handleRun(ctx, sess, req.ID, params)

	default:
		s.logger.Warn("unknown method", "method", req.Method, "session_id", sess.id)
		return wire.ErrorResponse(req.ID, wire.CodeUnknownMethod, "unknown method: "+req.Method), nil
	}
}

func (s *Server) handleRun(ctx context.Context, sess *session, reqID string, params wire.RunParams) (*wire.Frame, error) {
	if _, err := s.store.GetConversation(ctx, params.ConversationID); errors.Is(err, store.ErrNotFound) {
		return wire.ErrorResponse(reqID, wire.CodeConversationNotFound, "no such conversation"), nil
	} else if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}

	if params.IdempotencyKey != "" && s.dedupe.CheckAndMark(params.IdempotencyKey) {
		s.logger.Info("duplicate run suppressed",
			"conversation_id", params.ConversationID,
			"idempotency_key", params.IdempotencyKey)
		return wire.Response(reqID, wire.RunResult{Status: "duplicate"})
	}

	runID := uuid.New().String()

	// Persist the user message before acknowledging so a poll racing the
	// ack already sees it.
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: params.ConversationID,
		Role:           "user",
		Content:        params.Content,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, params.ConversationID, userMsg.Timestamp); err != nil {
		s.logger.Warn("touch failed", "conversation_id", params.ConversationID, "error", err)
	}

	s.logger.Info("run accepted",
		"conversation_id", params.ConversationID,
		"agent_id", params.AgentID,
		"run_id", runID)

	// The run outlives the request; the session carries its events.
	go s.runScript(context.Background(), sess, params.ConversationID, runID)

	return wire.Response(reqID, wire.RunResult{Status: "accepted", RunID: runID})
}

func (s *Server) errorFrame(reqID string, err error) *wire.Frame {
	s.logger.Error("request failed", "error", err)
	return wire.ErrorResponse(reqID, wire.CodeInternal, err.Error())
}

func (s *Server) emit(sess *session, event string, payload any) {
	frame, err := wire.NewEvent(event, payload)
	if err != nil {
		s.logger.Error("encoding event failed", "event", event, "error", err)
		return
	}
	if err := sess.send(frame); err != nil {
		s.logger.Debug("event write failed", "event", event, "error", err)
	}
}

func toWireConversation(c *store.Conversation) wire.Conversation {
	return wire.Conversation{
		ID:           c.ID,
		Label:        c.Label,
		Type:         c.Type,
		AgentID:      c.AgentID,
		LastActivity: c.LastActivity,
	}
}

func toWireMessage(m *store.Message) (wire.Message, error) {
	wm := wire.Message{
		Role:       m.Role,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		ToolCallID: m.ToolCallID,
	}
	if m.ToolCalls != "" {
		if err := json.Unmarshal([]byte(m.ToolCalls), &wm.ToolCalls); err != nil {
			return wire.Message{}, err
		}
	}
	return wm, nil
}
