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
		{"empty string", "", ""},
		{"clean string", "/api/staff/login", "/api/staff/login"},
		{"newline", "/wp-admin\nINFO forged", "/wp-admin INFO forged"},
		{"carriage return and newline", "Hello\r\nWorld", "Hello World"},
		{"control characters", "Hello\x00\x01\x1FWorld", "Hello World"},
		{"DEL character", "Hello\x7FWorld", "Hello World"},
		{"tab", "Hello\tWorld", "Hello World"},
		{"only control chars", "\x00\x01\x02\x1F\x7F", " "},
		{"arabic text untouched", "مرحبا", "مرحبا"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeForLog(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
	// "م" is two bytes; never cut inside it
	assert.Equal(t, "a", Truncate("aم", 2))
}
