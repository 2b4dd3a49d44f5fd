// Package transport owns the websocket connection to the runtime.
//
// # Connection
//
// Conn manages a single persistent connection: idempotent Connect with a
// bounded wait on in-flight attempts, a single reader goroutine that
// demultiplexes frames by type, serialized writes, and automatic
// reconnection with linearly increasing delay up to an attempt cap.
// Manual Disconnect suppresses reconnection and resets the counter.
//
// # Correlation
//
// Correlator maps outgoing request ids to pending completions. Each
// pending request resolves exactly once: whichever of response, fixed
// timeout, context cancellation, or connection close happens first wins,
// and later outcomes for the same id are dropped.
package transport
