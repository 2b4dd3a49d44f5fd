// Package runtime implements a reference agent runtime for development and
// testing of the sync engine.
//
// # Overview
//
// The Server upgrades HTTP connections to websocket and speaks the coven
// wire protocol: JSON request frames in, response and event frames out on
// the same connection. Conversations and messages persist through the
// store package, so polling a transcript and streaming it produce the same
// history.
//
// # Methods
//
// All of the client-visible methods are served:
//
//   - conversations.list / conversations.create / conversations.get
//   - messages.list / messages.count
//   - agents.list
//   - agent.run
//   - health
//
// # Scripted Runs
//
// agent.run does not invoke a real model. Each accepted run plays the
// configured Script: lifecycle start, an optional tool call/result pair,
// the reply streamed as token events, then lifecycle end and done. The
// user message and assembled assistant reply are persisted, so a snapshot
// fetched after done matches the streamed transcript.
//
// # Idempotency
//
// Runs carrying an idempotency key are deduplicated through a TTL cache;
// a repeated key returns a "duplicate" result without starting a run.
package runtime
