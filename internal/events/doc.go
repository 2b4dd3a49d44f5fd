// Package events dispatches inbound event frames to payload-typed handlers.
//
// The Router decodes each frame by category and drops events whose
// conversation id does not match the current selection. It runs on the
// transport's single reader goroutine, so deliveries preserve arrival
// order. Unknown categories are ignored, never fatal.
package events
