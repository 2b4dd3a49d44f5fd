// Package wire defines the coven duplex protocol: JSON frames carrying
// requests, responses, and events over one persistent connection.
//
// # Frames
//
// Every message is a Frame discriminated by "type":
//
//	{"type":"req","id":"...","method":"messages.list","params":{...}}
//	{"type":"res","id":"...","ok":true,"result":{...}}
//	{"type":"event","event":"token","payload":{...}}
//
// Responses correlate to requests by id. Events carry no id; they are
// dispatched by category and filtered by conversation id downstream.
//
// # Methods and Events
//
// The runtime serves conversations.list/create/get, messages.list/count,
// agents.list, agent.run, and health. Runs stream lifecycle, token,
// tool_call, tool_result, and done events.
package wire
