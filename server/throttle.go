package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dashauth/store"
)

const (
	throttleKeyPrefix  = "throttle:"
	userAgentPrefixLen = 64
)

// throttleEntry is the persisted failure record for one client fingerprint.
type throttleEntry struct {
	WindowStart  time.Time `json:"window_start"`
	FailureCount int       `json:"failure_count"`
	LockUntil    time.Time `json:"lock_until,omitempty"`
}

// LoginThrottle counts failed logins per client fingerprint within a sliding
// window and locks the fingerprint out once the maximum is reached.
type LoginThrottle struct {
	store       store.Store
	window      time.Duration
	maxAttempts int
	lockout     time.Duration
	trustProxy  bool
	clock       func() time.Time

	// serializes read-modify-write cycles within this process
	mu sync.Mutex
}

// NewLoginThrottle constructs a throttle over kv.
func NewLoginThrottle(cfg Config, kv store.Store) *LoginThrottle {
	return &LoginThrottle{
		store:       kv,
		window:      cfg.Throttle.Window,
		maxAttempts: cfg.Throttle.MaxAttempts,
		lockout:     cfg.Throttle.Lockout,
		trustProxy:  cfg.Server.TrustProxyHeaders,
		clock:       time.Now,
	}
}

// CheckAllowed returns a *RateLimitError while the request's fingerprint is locked.
func (t *LoginThrottle) CheckAllowed(ctx context.Context, r *http.Request) error {
	key := t.key(r)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok, err := t.load(ctx, key)
	if err != nil || !ok {
		return err
	}
	now := t.clock()
	if entry.LockUntil.IsZero() {
		return nil
	}
	if now.Before(entry.LockUntil) {
		return &RateLimitError{RetryAfter: entry.LockUntil.Sub(now)}
	}
	return t.store.Delete(ctx, key)
}

// RecordFailure registers a failed attempt and reports whether it triggered
// the lockout. The lock applies from the next CheckAllowed onward.
func (t *LoginThrottle) RecordFailure(ctx context.Context, r *http.Request) (bool, error) {
	key := t.key(r)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok, err := t.load(ctx, key)
	if err != nil {
		return false, err
	}
	now := t.clock()
	if !ok || !entry.LockUntil.IsZero() || now.Sub(entry.WindowStart) >= t.window {
		entry = throttleEntry{WindowStart: now, FailureCount: 1}
	} else {
		entry.FailureCount++
	}

	locked := entry.FailureCount >= t.maxAttempts
	if locked {
		entry = throttleEntry{LockUntil: now.Add(t.lockout)}
	}
	if err := t.save(ctx, key, entry); err != nil {
		return false, err
	}
	return locked, nil
}

// ClearFailures drops any record for the request's fingerprint.
func (t *LoginThrottle) ClearFailures(ctx context.Context, r *http.Request) error {
	key := t.key(r)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Delete(ctx, key)
}

func (t *LoginThrottle) key(r *http.Request) string {
	return throttleKeyPrefix + clientFingerprint(r, t.trustProxy)
}

func (t *LoginThrottle) load(ctx context.Context, key string) (throttleEntry, bool, error) {
	raw, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return throttleEntry{}, false, fmt.Errorf("load throttle entry: %w", err)
	}
	if !ok {
		return throttleEntry{}, false, nil
	}
	var entry throttleEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt record is treated as absent.
		return throttleEntry{}, false, nil
	}
	return entry, true, nil
}

func (t *LoginThrottle) save(ctx context.Context, key string, entry throttleEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, key, raw, t.window+t.lockout); err != nil {
		return fmt.Errorf("save throttle entry: %w", err)
	}
	return nil
}

// clientFingerprint hashes the client IP and a truncated user agent.
// X-Forwarded-For is honoured only behind a trusted proxy.
func clientFingerprint(r *http.Request, trustProxy bool) string {
	ip := remoteIP(r, trustProxy)
	ua := r.UserAgent()
	if len(ua) > userAgentPrefixLen {
		ua = ua[:userAgentPrefixLen]
	}
	sum := sha256.Sum256([]byte(ip + "|" + ua))
	return hex.EncodeToString(sum[:])
}

func remoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
