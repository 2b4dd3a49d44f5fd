// Package client is the top-level facade of the sync engine.
//
// # Overview
//
// A Client owns one websocket connection to an agent runtime and one
// Synchronizer per conversation id. It wires the transport, request
// correlation, event routing, polling, and send coordination together and
// exposes the surface a UI layer consumes:
//
//   - Connect / Disconnect / Status / OnStatus
//   - SendMessage
//   - Transcript / SubscribeTranscript
//   - Select / SelectByID / Deselect / SelectedConversation
//   - RPC wrappers: ListConversations, GetConversation,
//     CreateConversation, ListAgents, ListMessages, CountMessages,
//     RunAgent, Health
//
// # Selection
//
// Exactly one conversation is active at a time. Switching synchronously
// cancels the previous selection's polling and detection work and clears
// its transient state before any further event for the old id can apply.
// Events are filtered by selected conversation at the router, and handlers
// re-validate the selection before touching a synchronizer, since routing
// and selection race across goroutines.
//
// # First Send
//
// SendMessage with no selection creates a conversation against the first
// available agent and adopts it as the selection before dispatching.
package client
