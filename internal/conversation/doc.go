// Package conversation reconciles three message sources into one transcript.
//
// # Overview
//
// A conversation's history is visible through three channels at once:
// full snapshots fetched by polling, incremental streaming events, and
// optimistic local echoes of messages the user just sent. The Synchronizer
// merges all three into a single ordered, deduplicated transcript per
// conversation id.
//
// # Synchronizer
//
// One Synchronizer exists per conversation id; all mutation is serialized
// by its mutex. Merge rules, in priority order:
//
//  1. Empty local transcript adopts the snapshot wholesale.
//  2. While a stream run is active, the in-progress transient message
//     survives the merge: matched against its persisted twin by prefix
//     relation, longer content wins.
//  3. Otherwise a length or tail difference replaces the transcript.
//
// Streaming tokens append monotonically to the run's transient message.
// Tool results pair backward with the most recent still-pending call of
// the same name.
//
// # Deduplication
//
// Two messages with the same role and content whose timestamps fall in the
// same second are one message seen via different sources; the first
// occurrence wins.
//
// # Sending
//
// The Sender appends an optimistic user echo and thinking placeholder
// before dispatching agent.run, rolls both back on failure, and then polls
// until the assistant's reply lands. Overlapping sends on one conversation
// are rejected with ErrSendInFlight.
//
// # Polling
//
// The Poller probes messages.count on an interval and fetches a full
// snapshot only when the count moved. Ticks are skipped while a send or
// stream run is in flight. A conversation-not-found reply is terminal for
// that conversation: local state clears and polling stops.
//
// # Notifications
//
// ChangeNotifier fans transcript-changed notices out to UI subscribers.
// Publishing never blocks; a slow subscriber misses notices and re-reads
// the transcript on the next one it receives.
package conversation
