package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "plain email passes through",
			input:    "user@example.com",
			expected: "user@example.com",
		},
		{
			name:     "forged log line is flattened",
			input:    "user@example.com\nlevel=info msg=\"login ok\"",
			expected: "user@example.com level=info msg=\"login ok\"",
		},
		{
			name:     "crlf in header value",
			input:    "Mozilla/5.0\r\nX-Injected: 1",
			expected: "Mozilla/5.0 X-Injected: 1",
		},
		{
			name:     "control characters collapse to one space",
			input:    "actor\x00\x01\x1Fname",
			expected: "actor name",
		},
		{
			name:     "DEL character",
			input:    "before\x7Fafter",
			expected: "before after",
		},
		{
			name:     "tab counts as a control character",
			input:    "a\tb",
			expected: "a b",
		},
		{
			name:     "only control characters",
			input:    "\x00\x01\x02\x1F\x7F",
			expected: " ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeForLog(tt.input))
		})
	}
}
