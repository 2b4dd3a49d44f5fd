// ABOUTME: Owns the websocket connection lifecycle, reconnection, and frame demultiplexing.
// ABOUTME: Inbound frames are classified by the "type" discriminator and handed to callbacks.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-sync/internal/wire"
)

// ErrNotConnected is returned when an operation requires an open connection.
var ErrNotConnected = errors.New("not connected")

// ErrConnectTimeout is returned when waiting on an in-flight connect attempt
// exceeds the bounded wait.
var ErrConnectTimeout = errors.New("connect timed out")

// ErrConnectionClosed is returned to pending requests when the connection closes.
var ErrConnectionClosed = errors.New("connection closed")

// Status describes the connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures connection timing. Zero values fall back to defaults.
type Options struct {
	DialTimeout       time.Duration // websocket handshake timeout
	ConnectWait       time.Duration // bounded wait for an in-flight connect attempt
	WriteTimeout      time.Duration // per-frame write deadline
	ReconnectDelay    time.Duration // base delay, multiplied by the attempt number
	MaxReconnects     int           // reconnection attempt cap
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DialTimeout == 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.ConnectWait == 0 {
		out.ConnectWait = 15 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = time.Second
	}
	if out.MaxReconnects == 0 {
		out.MaxReconnects = 5
	}
	return out
}

// connectAttempt carries the outcome of one dial. err is written before
// done closes, so a waiter receiving from done reads err safely.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) settle(err error) {
	a.err = err
	close(a.done)
}

// Conn manages a single persistent websocket connection to a runtime.
// Frames received on the connection are demultiplexed to the response and
// event callbacks from a single reader goroutine, preserving arrival order.
type Conn struct {
	url  string
	opts Options

	mu         sync.Mutex
	status     Status
	ws         *websocket.Conn
	attempt    *connectAttempt // in-flight connect attempt, nil when none
	reconnects int
	manual     bool // Disconnect was called; suppress auto-reconnect

	onResponse func(*wire.Frame)
	onEvent    func(*wire.Frame)
	onClosed   func(error)
	onStatus   func(Status)

	logger *slog.Logger
}

// NewConn creates a connection manager for the given websocket URL.
// Callbacks may be nil; set them before calling Connect.
func NewConn(url string, opts Options, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		url:    url,
		opts:   opts.withDefaults(),
		status: StatusDisconnected,
		logger: logger.With("component", "transport"),
	}
}

// OnResponse sets the callback for response frames.
func (c *Conn) OnResponse(fn func(*wire.Frame)) { c.onResponse = fn }

// OnEvent sets the callback for event frames.
func (c *Conn) OnEvent(fn func(*wire.Frame)) { c.onEvent = fn }

// OnClosed sets the callback invoked when the connection drops or is closed.
func (c *Conn) OnClosed(fn func(error)) { c.onClosed = fn }

// OnStatus sets the callback invoked on every status transition.
func (c *Conn) OnStatus(fn func(Status)) { c.onStatus = fn }

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes the websocket connection. It is idempotent: while
// Connected it returns immediately, and while Connecting it awaits the
// in-flight attempt with a bounded wait before failing with ErrConnectTimeout.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
		return nil
	case StatusConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-time.After(c.opts.ConnectWait):
			return ErrConnectTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	c.attempt = attempt
	c.manual = false
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	err := c.dial(ctx)
	attempt.settle(err)
	return err
}

// dial performs one websocket handshake and, on success, starts the reader.
func (c *Conn) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.reconnects = 0
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)
	go c.readLoop(ws)
	return nil
}

// Disconnect tears down the connection, fails pending work via the closed
// callback, and resets the reconnect counter. Safe to call when disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.reconnects = 0
	ws := c.ws
	c.ws = nil
	changed := c.status != StatusDisconnected
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if changed && c.onClosed != nil {
		c.onClosed(ErrConnectionClosed)
	}
}

// Send writes a frame to the connection. Writes are serialized by the
// connection mutex; gorilla/websocket permits only one concurrent writer.
func (c *Conn) Send(f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(f)
}

// readLoop reads frames until the connection drops, then triggers recovery.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			c.handleClosed(ws, err)
			return
		}
		c.dispatch(&f)
	}
}

// dispatch classifies one inbound frame. Unrecognized frames are dropped
// and logged, never fatal.
func (c *Conn) dispatch(f *wire.Frame) {
	switch f.Type {
	case wire.TypeResponse:
		if c.onResponse != nil {
			c.onResponse(f)
		}
	case wire.TypeEvent:
		if c.onEvent != nil {
			c.onEvent(f)
		}
	default:
		c.logger.Warn("dropping unrecognized frame", "frame_type", f.Type)
	}
}

// handleClosed reacts to the reader loop terminating.
func (c *Conn) handleClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer connection has replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	manual := c.manual
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	ws.Close()
	if c.onClosed != nil {
		c.onClosed(ErrConnectionClosed)
	}
	if manual {
		return
	}
	c.logger.Warn("connection lost", "error", err)
	go c.reconnect()
}

// reconnect retries the dial with a linearly increasing delay, stopping at
// the attempt cap. Beyond the cap reconnection must be triggered manually
// via Connect. Each retry arms a fresh attempt channel so a Connect call
// arriving mid-reconnect joins the in-flight attempt instead of reading a
// stale result from an earlier one.
func (c *Conn) reconnect() {
	for {
		c.mu.Lock()
		if c.manual || c.status != StatusDisconnected {
			c.mu.Unlock()
			return
		}
		c.reconnects++
		attemptNum := c.reconnects
		if attemptNum > c.opts.MaxReconnects {
			c.mu.Unlock()
			c.logger.Error("reconnect attempts exhausted", "attempts", c.opts.MaxReconnects)
			return
		}
		attempt := &connectAttempt{done: make(chan struct{})}
		c.attempt = attempt
		c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()

		delay := time.Duration(attemptNum) * c.opts.ReconnectDelay
		c.logger.Info("reconnecting", "attempt", attemptNum, "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.manual {
			c.setStatusLocked(StatusDisconnected)
			c.mu.Unlock()
			attempt.settle(ErrConnectionClosed)
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		err := c.dial(ctx)
		cancel()
		attempt.settle(err)

		if err == nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attemptNum, "error", err)
	}
}

// setStatusLocked updates status and fires the status callback outside of
// hot paths. Must be called with mu held.
func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.onStatus != nil {
		// Callback runs on its own goroutine so subscribers cannot deadlock
		// against the connection mutex.
		go c.onStatus(s)
	}
}
