package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dashauth/store"
)

func newTestThrottle(t *testing.T, now *time.Time) *LoginThrottle {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Throttle.Window = 15 * time.Minute
	cfg.Throttle.MaxAttempts = 5
	cfg.Throttle.Lockout = 15 * time.Minute
	th := NewLoginThrottle(cfg, store.NewMemory())
	th.clock = func() time.Time { return *now }
	return th
}

func loginRequestFrom(addr, ua string) *http.Request {
	r := httptest.NewRequest("POST", "/auth/login", nil)
	r.RemoteAddr = addr
	r.Header.Set("User-Agent", ua)
	return r
}

func TestLoginThrottleLocksAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	th := newTestThrottle(t, &now)
	r := loginRequestFrom("203.0.113.7:5000", "test-agent")

	for i := 1; i < 5; i++ {
		if locked, err := th.RecordFailure(ctx, r); err != nil || locked {
			t.Fatalf("failure %d returned locked=%v err=%v", i, locked, err)
		}
		if err := th.CheckAllowed(ctx, r); err != nil {
			t.Fatalf("CheckAllowed after %d failures: %v", i, err)
		}
	}

	locked, err := th.RecordFailure(ctx, r)
	if err != nil || !locked {
		t.Fatalf("fifth failure should trigger the lock, got locked=%v err=%v", locked, err)
	}

	var rl *RateLimitError
	err = th.CheckAllowed(ctx, r)
	if !errors.As(err, &rl) || rl.RetryAfterSeconds() != 900 {
		t.Fatalf("sixth attempt should be locked for 900s, got %v", err)
	}

	now = now.Add(time.Minute)
	err = th.CheckAllowed(ctx, r)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected lockout, got %v", err)
	}
	if !errors.As(err, &rl) || rl.RetryAfterSeconds() != 840 {
		t.Fatalf("retry after should shrink to 840s, got %v", err)
	}

	now = now.Add(14 * time.Minute)
	if err := th.CheckAllowed(ctx, r); err != nil {
		t.Fatalf("lock should have expired: %v", err)
	}
	if locked, err := th.RecordFailure(ctx, r); err != nil || locked {
		t.Fatalf("first failure after expiry should start a new window: %v", err)
	}
}

func TestLoginThrottleWindowResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	th := newTestThrottle(t, &now)
	r := loginRequestFrom("203.0.113.7:5000", "test-agent")

	for i := 0; i < 4; i++ {
		if _, err := th.RecordFailure(ctx, r); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	now = now.Add(16 * time.Minute)
	for i := 0; i < 4; i++ {
		if locked, err := th.RecordFailure(ctx, r); err != nil || locked {
			t.Fatalf("failures in a fresh window should not lock: %v", err)
		}
	}
}

func TestLoginThrottleClearFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	th := newTestThrottle(t, &now)
	r := loginRequestFrom("203.0.113.7:5000", "test-agent")

	for i := 0; i < 4; i++ {
		_, _ = th.RecordFailure(ctx, r)
	}
	if err := th.ClearFailures(ctx, r); err != nil {
		t.Fatalf("ClearFailures: %v", err)
	}
	for i := 0; i < 4; i++ {
		if locked, err := th.RecordFailure(ctx, r); err != nil || locked {
			t.Fatalf("count should restart after clear: %v", err)
		}
	}
}

func TestLoginThrottleIsolatesFingerprints(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	th := newTestThrottle(t, &now)
	attacker := loginRequestFrom("203.0.113.7:5000", "curl/8")
	operator := loginRequestFrom("198.51.100.2:443", "Mozilla/5.0")

	for i := 0; i < 5; i++ {
		_, _ = th.RecordFailure(ctx, attacker)
	}
	if err := th.CheckAllowed(ctx, attacker); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("attacker should be locked, got %v", err)
	}
	if err := th.CheckAllowed(ctx, operator); err != nil {
		t.Fatalf("other fingerprint should be unaffected: %v", err)
	}
}

func TestClientFingerprint(t *testing.T) {
	base := loginRequestFrom("203.0.113.7:5000", strings.Repeat("a", 64))
	longUA := loginRequestFrom("203.0.113.7:6000", strings.Repeat("a", 64)+"suffix")
	if clientFingerprint(base, false) != clientFingerprint(longUA, false) {
		t.Fatalf("user agent beyond 64 chars or source port should not change the fingerprint")
	}

	spoofed := loginRequestFrom("203.0.113.7:5000", "ua")
	spoofed.Header.Set("X-Forwarded-For", "192.0.2.1")
	plain := loginRequestFrom("203.0.113.7:5000", "ua")
	if clientFingerprint(spoofed, false) != clientFingerprint(plain, false) {
		t.Fatalf("X-Forwarded-For must be ignored without trusted proxy")
	}
	if clientFingerprint(spoofed, true) == clientFingerprint(plain, true) {
		t.Fatalf("X-Forwarded-For should be honoured behind a trusted proxy")
	}
	if len(clientFingerprint(plain, false)) != 64 {
		t.Fatalf("fingerprint should be a sha256 hex digest")
	}
}
