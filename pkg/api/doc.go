// Package api exposes the operator HTTP surface with gin: health and
// metrics, cache administration and lookups, queue control, scheduling and
// the audit trail. Errors are returned as {"code","message"} with stable
// codes; transient failures map to 503.
package api
