package util

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveOrigin(t *testing.T) {
	tests := []struct {
		name     string
		remote   string
		xff      string
		trust    bool
		expected string
		ok       bool
	}{
		{name: "remote addr", remote: "203.0.113.7:5555", expected: "203.0.113.7", ok: true},
		{name: "ipv6 remote", remote: "[2001:db8::1]:443", expected: "2001:db8::1", ok: true},
		{name: "first forwarded hop", remote: "10.0.0.1:80", xff: "198.51.100.2, 10.0.0.1", trust: true, expected: "198.51.100.2", ok: true},
		{name: "forwarded ignored when untrusted", remote: "10.0.0.1:80", xff: "198.51.100.2", expected: "10.0.0.1", ok: true},
		{name: "garbage forwarded falls back", remote: "10.0.0.1:80", xff: "not-an-ip", trust: true, expected: "10.0.0.1", ok: true},
		{name: "invalid remote", remote: "pipe", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			got, ok := ResolveOrigin(req, tt.trust)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}
