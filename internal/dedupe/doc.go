// Package dedupe remembers the result of a request under its idempotency key
// for a configurable window, so a retried widget send is answered with the
// original message instead of appending a duplicate.
package dedupe
