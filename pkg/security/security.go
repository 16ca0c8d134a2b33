package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/taxsync/pkg/core"
)

// Limits applied to caller input.
const (
	// MaxPayloadSize is the maximum size in bytes for a job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 25

	// MaxConcurrency is the hard limit for per-queue worker concurrency
	MaxConcurrency = 256

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxUniqueKeyLength is the maximum length for unique keys
	MaxUniqueKeyLength = 255

	// MaxSegmentLength bounds a single jurisdiction segment (county, city, zip).
	MaxSegmentLength = 64
)

var (
	// ErrInvalidState is returned for anything that is not a two letter state code.
	ErrInvalidState = errors.New("taxsync: invalid state code")
	// ErrInvalidSegment is returned for jurisdiction segments that cannot be part of a cache key.
	ErrInvalidSegment = errors.New("taxsync: invalid jurisdiction segment")
	// ErrInvalidPattern is returned for invalidation patterns outside the rate namespace.
	ErrInvalidPattern = errors.New("taxsync: invalid cache pattern")
)

var validState = regexp.MustCompile(`^[A-Z]{2}$`)

// ValidateQueueName checks that a queue belongs to the enumerated set.
func ValidateQueueName(q core.QueueName) error {
	if !q.IsKnown() {
		return errors.Wrapf(core.ErrUnknownQueue, "queue %q", string(q))
	}
	return nil
}

// NormalizeState upper-cases and validates a state code.
func NormalizeState(state string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(state))
	if !validState.MatchString(s) {
		return "", errors.Wrapf(ErrInvalidState, "%q", state)
	}
	return s, nil
}

// NormalizeSegment lower-cases a county/city/zip segment. Segments may be
// empty but may not contain the key separator, a slash or glob characters.
func NormalizeSegment(seg string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(seg))
	if len(s) > MaxSegmentLength || strings.ContainsAny(s, ":*?[]/\\") {
		return "", errors.Wrapf(ErrInvalidSegment, "%q", seg)
	}
	return s, nil
}

// ValidatePattern rejects invalidation patterns that could reach keys
// outside the rate namespace.
func ValidatePattern(pattern, prefix string) error {
	if !strings.HasPrefix(pattern, prefix) {
		return errors.Wrapf(ErrInvalidPattern, "%q must start with %q", pattern, prefix)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ValidateUniqueKey validates a unique key length
func ValidateUniqueKey(key string) error {
	if len(key) > MaxUniqueKeyLength {
		return core.ErrUniqueKeyTooLong
	}
	return nil
}
