// Package dedupe tracks recently seen idempotency keys so a retried
// agent.run dispatch is accepted once and suppressed thereafter.
package dedupe
