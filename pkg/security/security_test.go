package security

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/taxsync/pkg/core"
)

func TestValidateQueueName(t *testing.T) {
	for _, q := range core.KnownQueues {
		assert.NoError(t, ValidateQueueName(q), "Expected %q to be valid", q)
	}

	for _, name := range []string{"", "default", "Tax-Rate-Update", "emails"} {
		err := ValidateQueueName(core.QueueName(name))
		assert.True(t, errors.Is(err, core.ErrUnknownQueue), "Expected %q to be rejected", name)
	}
}

func TestNormalizeState(t *testing.T) {
	got, err := NormalizeState(" tx ")
	require.NoError(t, err)
	assert.Equal(t, "TX", got)

	for _, bad := range []string{"", "T", "TEX", "T1", "*"} {
		_, err := NormalizeState(bad)
		assert.True(t, errors.Is(err, ErrInvalidState), "Expected %q to be rejected", bad)
	}
}

func TestNormalizeSegment(t *testing.T) {
	got, err := NormalizeSegment("  Travis ")
	require.NoError(t, err)
	assert.Equal(t, "travis", got)

	got, err = NormalizeSegment("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"a:b", "trav*", "x?", "a/b", strings.Repeat("z", 65)} {
		_, err := NormalizeSegment(bad)
		assert.True(t, errors.Is(err, ErrInvalidSegment), "Expected %q to be rejected", bad)
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("rate:TX:*", "rate:"))
	assert.True(t, errors.Is(ValidatePattern("*", "rate:"), ErrInvalidPattern))
	assert.True(t, errors.Is(ValidatePattern("session:*", "rate:"), ErrInvalidPattern))
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal message",
			input:    "connection refused",
			expected: "connection refused",
		},
		{
			name:     "message with newlines",
			input:    "error on\nline 2",
			expected: "error on\nline 2",
		},
		{
			name:     "message with null bytes",
			input:    "error\x00with\x00nulls",
			expected: "errorwithnulls",
		},
		{
			name:     "empty message",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	longMessage := strings.Repeat("a", 5000)
	result := SanitizeErrorMessage(longMessage)

	assert.LessOrEqual(t, len(result), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestClampRetries(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 0},
		{0, 0},
		{5, 5},
		{25, 25},
		{26, 25},
		{1000, 25},
	}

	for _, tt := range tests {
		result := ClampRetries(tt.input)
		assert.Equal(t, tt.expected, result, "ClampRetries(%d)", tt.input)
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{10, 10},
		{256, 256},
		{257, 256},
		{5000, 256},
	}

	for _, tt := range tests {
		result := ClampConcurrency(tt.input)
		assert.Equal(t, tt.expected, result, "ClampConcurrency(%d)", tt.input)
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 1<<20, MaxPayloadSize) // 1MB
	assert.Equal(t, 25, MaxRetries)
	assert.Equal(t, 256, MaxConcurrency)
	assert.Equal(t, 4096, MaxErrorMessageLength)
	assert.Equal(t, 255, MaxUniqueKeyLength)
}

func TestValidateUniqueKey(t *testing.T) {
	assert.NoError(t, ValidateUniqueKey("update:TX"))
	assert.ErrorIs(t, ValidateUniqueKey(strings.Repeat("k", 256)), core.ErrUniqueKeyTooLong)
}
