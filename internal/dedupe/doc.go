// Package dedupe remembers recently used idempotency keys so a retried send
// can be answered with the original message without touching the store.
package dedupe
