// Package core provides the fundamental types and interfaces for taxsync.
//
// This package contains:
//   - the Job and QueueState models with GORM annotations
//   - the enumerated queue names and the Priority ordering
//   - the Storage interface defining the broker contract
//   - event types for queue monitoring and the error taxonomy
package core
