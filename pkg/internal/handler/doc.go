// Package handler provides internal reflection-based processor execution.
//
// This package is internal and should not be imported directly.
// It provides:
//   - Handler: signature validation for registered queue processors
//   - payload decoding, invocation and result encoding
package handler
