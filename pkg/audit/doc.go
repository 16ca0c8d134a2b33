// Package audit is the append-only compliance and audit trail.
//
// Rate update outcomes are recorded as Entry rows and compliance results as
// ComplianceCheck rows, both in the broker's database. Writes never fail the
// caller on storage errors: records are deferred to a bounded in-memory
// backlog and the degraded-write callbacks are notified so monitoring can
// report it. Large rate changes are flagged for review, and reviewers move
// them from pending to approved.
package audit
