// ABOUTME: Tests for request/response correlation over a live websocket
// ABOUTME: Covers success, server errors, timeout, cancellation, and close

package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sync/internal/wire"
)

// respondWith answers every request frame using the given function; a nil
// return means stay silent.
func respondWith(fn func(*wire.Frame) *wire.Frame) func(*websocket.Conn) {
	return func(ws *websocket.Conn) {
		for {
			var f wire.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if resp := fn(&f); resp != nil {
				if err := ws.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}
}

func connectedCorrelator(t *testing.T, url string, timeout time.Duration) *Correlator {
	t.Helper()
	conn := NewConn(url, Options{}, nil)
	corr := NewCorrelator(conn, timeout, nil)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(conn.Disconnect)
	return corr
}

func TestCall_Success(t *testing.T) {
	url := startWSServer(t, respondWith(func(req *wire.Frame) *wire.Frame {
		resp, _ := wire.Response(req.ID, wire.HealthResult{Status: "ok"})
		return resp
	}))
	corr := connectedCorrelator(t, url, 5*time.Second)

	raw, err := corr.Call(context.Background(), wire.MethodHealth, nil)
	require.NoError(t, err)

	var health wire.HealthResult
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, "ok", health.Status)
}

func TestCall_ServerError(t *testing.T) {
	url := startWSServer(t, respondWith(func(req *wire.Frame) *wire.Frame {
		return wire.ErrorResponse(req.ID, wire.CodeConversationNotFound, "no such conversation")
	}))
	corr := connectedCorrelator(t, url, 5*time.Second)

	_, err := corr.Call(context.Background(), wire.MethodGetConversation,
		wire.ConversationParams{ConversationID: "missing"})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, wire.CodeConversationNotFound, reqErr.Code)
	assert.True(t, HasCode(err, wire.CodeConversationNotFound))
	assert.False(t, HasCode(err, wire.CodeInternal))
}

func TestCall_Timeout(t *testing.T) {
	url := startWSServer(t, respondWith(func(*wire.Frame) *wire.Frame {
		return nil // never answer
	}))
	corr := connectedCorrelator(t, url, 100*time.Millisecond)

	start := time.Now()
	_, err := corr.Call(context.Background(), wire.MethodHealth, nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCall_ContextCancelled(t *testing.T) {
	url := startWSServer(t, respondWith(func(*wire.Frame) *wire.Frame {
		return nil
	}))
	corr := connectedCorrelator(t, url, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := corr.Call(ctx, wire.MethodHealth, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCall_FailsOnClose(t *testing.T) {
	url := startWSServer(t, respondWith(func(*wire.Frame) *wire.Frame {
		return nil
	}))

	conn := NewConn(url, Options{}, nil)
	corr := NewCorrelator(conn, time.Minute, nil)
	require.NoError(t, conn.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := corr.Call(context.Background(), wire.MethodHealth, nil)
		errCh <- err
	}()

	// Let the request get in flight, then tear the connection down.
	time.Sleep(100 * time.Millisecond)
	conn.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call never failed after close")
	}
}

func TestCall_NotConnected(t *testing.T) {
	conn := NewConn("ws://unused", Options{}, nil)
	corr := NewCorrelator(conn, time.Second, nil)

	_, err := corr.Call(context.Background(), wire.MethodHealth, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandleResponse_UnknownRequest(t *testing.T) {
	conn := NewConn("ws://unused", Options{}, nil)
	corr := NewCorrelator(conn, time.Second, nil)

	// Must not panic or block.
	corr.handleResponse(&wire.Frame{Type: wire.TypeResponse, ID: "never-sent", OK: true})
}
