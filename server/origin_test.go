package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginGuardEnforce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://dash.example.com"
	cfg.Origin.AllowedOrigins = []string{"https://dash.example.com", "http://localhost:5173"}
	guard := NewOriginGuard(cfg)

	tests := []struct {
		name    string
		method  string
		origin  string
		referer string
		allowed bool
	}{
		{name: "safe method without origin", method: http.MethodGet, allowed: true},
		{name: "allowed origin", method: http.MethodPost, origin: "https://dash.example.com", allowed: true},
		{name: "case and default port", method: http.MethodPost, origin: "HTTPS://Dash.Example.com:443", allowed: true},
		{name: "dev origin with port", method: http.MethodDelete, origin: "http://localhost:5173", allowed: true},
		{name: "referer fallback", method: http.MethodPost, referer: "https://dash.example.com/settings?tab=1", allowed: true},
		{name: "foreign origin", method: http.MethodPost, origin: "https://evil.example.com"},
		{name: "foreign referer", method: http.MethodPut, referer: "https://evil.example.com/page"},
		{name: "scheme mismatch", method: http.MethodPost, origin: "http://dash.example.com"},
		{name: "opaque origin", method: http.MethodPost, origin: "null"},
		{name: "missing origin", method: http.MethodPatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/auth/login", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				r.Header.Set("Referer", tt.referer)
			}
			err := guard.Enforce(r)
			if tt.allowed && err != nil {
				t.Fatalf("expected request to be allowed, got %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrOriginRejected) {
				t.Fatalf("expected ErrOriginRejected, got %v", err)
			}
		})
	}
}

func TestOriginGuardDefaultsToPublicURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://dash.example.com/app/"
	guard := NewOriginGuard(cfg)

	r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	r.Header.Set("Origin", "https://dash.example.com")
	if err := guard.Enforce(r); err != nil {
		t.Fatalf("public URL origin should be allowed by default: %v", err)
	}
}

func TestOriginGuardAllowMissingOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin.AllowMissingOrigin = true
	guard := NewOriginGuard(cfg)

	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	if err := guard.Enforce(r); err != nil {
		t.Fatalf("missing origin should be allowed when opted in: %v", err)
	}
	r.Header.Set("Origin", "https://evil.example.com")
	if err := guard.Enforce(r); err == nil {
		t.Fatalf("a present foreign origin must still be rejected")
	}
}

func TestOriginGuardMiddlewareWrites403(t *testing.T) {
	guard := NewOriginGuard(DefaultConfig())
	audit := NewAuditor(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	called := false
	h := guard.Middleware(audit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if called {
		t.Fatalf("handler must not run for a rejected origin")
	}
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestNormalizeOrigin(t *testing.T) {
	tests := map[string]string{
		"https://Example.com":           "https://example.com",
		"http://example.com:80/path":    "http://example.com",
		"https://example.com:8443/x?y":  "https://example.com:8443",
		"http://[::1]:8080":             "http://[::1]:8080",
		"https://[2001:db8::1]:443/foo": "https://[2001:db8::1]",
	}
	for in, want := range tests {
		got, ok := normalizeOrigin(in)
		if !ok || got != want {
			t.Fatalf("normalizeOrigin(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "null", "ftp://example.com", "/relative", "https://"} {
		if _, ok := normalizeOrigin(bad); ok {
			t.Fatalf("normalizeOrigin(%q) should fail", bad)
		}
	}
}
