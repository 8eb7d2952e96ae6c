package server

import (
	"net/http/httptest"
	"testing"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"missing origin", []string{"http://example.com"}, "", false},
		{"exact match", []string{"http://example.com"}, "http://example.com", true},
		{"case insensitive host", []string{"http://example.com"}, "http://EXAMPLE.COM", true},
		{"case insensitive scheme", []string{"http://example.com"}, "HTTP://example.com", true},
		{"different port", []string{"http://example.com"}, "http://example.com:8081", false},
		{"different scheme", []string{"http://example.com"}, "https://example.com", false},
		{"malformed origin", []string{"http://example.com"}, "not-a-url", false},
		{"scheme only", []string{"http://example.com"}, "http://", false},
		{"wildcard", []string{"*"}, "https://anything.example.org", true},
		{"wildcard still needs a valid origin", []string{"*"}, "javascript:alert(1)", false},
		{"nothing configured", nil, "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.AllowedOrigins = tt.allowed
			SetConfig(cfg)

			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := isOriginAllowed(req); got != tt.want {
				t.Errorf("isOriginAllowed(%q) with %v = %v, want %v", tt.origin, tt.allowed, got, tt.want)
			}
			if got := checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestNormalizeOrigins(t *testing.T) {
	got, allowAll := normalizeOrigins([]string{"", " https://Chat.Example.com ", "bogus", "*"})
	if !allowAll {
		t.Error("expected wildcard to enable every origin")
	}
	if len(got) != 1 || got[0] != "https://chat.example.com" {
		t.Errorf("unexpected normalized origins: %v", got)
	}

	got, allowAll = normalizeOrigins(nil)
	if got != nil || allowAll {
		t.Errorf("expected nothing for empty input, got %v %v", got, allowAll)
	}
}
