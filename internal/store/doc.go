// Package store provides persistence for the reference runtime.
//
// # Overview
//
// The Store interface abstracts conversation and message persistence.
// SQLiteStore is the production implementation, backed by modernc.org/sqlite
// with WAL mode enabled.
//
// # Schema
//
// Two tables:
//
//   - conversations: id, label, type, agent_id, last_activity
//   - messages: seq (autoincrement), id, conversation_id, role, content,
//     timestamp, tool_calls, tool_call_id
//
// Messages carry a monotonically increasing seq so append order is stable
// even when timestamps collide. Deleting a conversation cascades to its
// messages.
//
// # Errors
//
// Lookups and updates against a missing conversation return ErrNotFound.
package store
