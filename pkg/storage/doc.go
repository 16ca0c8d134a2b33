// Package storage provides the GORM-backed broker for the job queue.
//
// This package includes:
//   - GormStorage: the core.Storage implementation for SQLite and PostgreSQL
//   - Open: driver selection and connection pool configuration
//
// Connectivity failures are marked with core.ErrBrokerUnavailable so callers
// can tell a transient outage from a caller error.
package storage
