// ABOUTME: Correlates outgoing requests with their response frames by id.
// ABOUTME: Each pending request resolves exactly once: response, timeout, or close, first-writer-wins.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sync/internal/wire"
)

// ErrRequestTimeout is returned when a request's fixed timeout fires before
// a matching response arrives.
var ErrRequestTimeout = errors.New("request timed out")

// RequestError is a failure reported by the runtime inside a response frame.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %s (%s)", e.Message, e.Code)
}

// HasCode reports whether err is a RequestError carrying the given code.
func HasCode(err error, code string) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == code
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Correlator maps outgoing request ids to pending completions with a fixed
// timeout. Built on Conn: it consumes response frames and the closed signal.
type Correlator struct {
	conn    *Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan callResult

	logger *slog.Logger
}

// NewCorrelator wires a correlator onto the connection's response and
// closed callbacks.
func NewCorrelator(conn *Conn, timeout time.Duration, logger *slog.Logger) *Correlator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan callResult),
		logger:  logger.With("component", "correlator"),
	}
	conn.OnResponse(c.handleResponse)
	conn.OnClosed(c.failAll)
	return c
}

// Call sends a request and blocks until the matching response, the fixed
// timeout, the connection closing, or ctx cancellation, whichever comes
// first. Later outcomes for the same id are ignored.
func (c *Correlator) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()
	frame, err := wire.Request(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(frame); err != nil {
		c.take(id)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer.C:
		if c.take(id) == nil {
			// A response raced the timeout and won; honor it.
			r := <-ch
			return r.result, r.err
		}
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		if c.take(id) == nil {
			r := <-ch
			return r.result, r.err
		}
		return nil, ctx.Err()
	}
}

// take removes and returns the pending channel for id, or nil if the
// request already resolved.
func (c *Correlator) take(id string) chan callResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

// handleResponse resolves the pending request matching a response frame.
// Responses with no pending entry (late arrivals) are logged and dropped.
func (c *Correlator) handleResponse(f *wire.Frame) {
	ch := c.take(f.ID)
	if ch == nil {
		c.logger.Debug("response for unknown request", "request_id", f.ID)
		return
	}
	if f.OK {
		ch <- callResult{result: f.Result}
		return
	}
	code, message := wire.CodeInternal, "unspecified error"
	if f.Error != nil {
		code, message = f.Error.Code, f.Error.Message
	}
	ch <- callResult{err: &RequestError{Code: code, Message: message}}
}

// failAll rejects every pending request when the connection closes.
func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Debug("failing pending requests", "count", len(pending), "error", err)
	}
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}
