// Package security provides validation, sanitization, and limits for caller input.
//
// It guards the boundaries where untrusted values enter the system: queue
// names, state and jurisdiction segments that end up in cache keys,
// invalidation patterns, and error messages persisted to the broker.
package security
