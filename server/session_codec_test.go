package server

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testPrincipal() SessionPrincipal {
	return SessionPrincipal{
		Subject:          "user-123",
		Issuer:           "https://idp.example.com",
		AuthMethod:       AuthMethodOIDC,
		Email:            "user@example.com",
		Name:             "Test User",
		Tenant:           "org_1",
		IdentityProvider: ProviderAuth0,
	}
}

func TestSessionCodecRoundTrip(t *testing.T) {
	codec, err := NewSessionCodec(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewSessionCodec: %v", err)
	}
	raw, err := codec.Sign(testPrincipal())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if strings.Count(raw, ".") != 1 {
		t.Fatalf("credential should have exactly two segments: %q", raw)
	}

	got, ok := codec.Verify(raw)
	if !ok {
		t.Fatalf("Verify rejected a freshly signed credential")
	}
	if diff := cmp.Diff(testPrincipal(), got); diff != "" {
		t.Fatalf("principal mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionCodecRejectsTampering(t *testing.T) {
	codec, _ := NewSessionCodec(testSecret, time.Hour)
	raw, err := codec.Sign(testPrincipal())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			continue
		}
		b := []byte(raw)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		if _, ok := codec.Verify(string(b)); ok {
			t.Fatalf("tampered credential accepted (byte %d)", i)
		}
	}
}

func TestSessionCodecRejectsOtherSecret(t *testing.T) {
	codec, _ := NewSessionCodec(testSecret, time.Hour)
	other, _ := NewSessionCodec(strings.Repeat("z", MinSecretLength), time.Hour)
	raw, _ := codec.Sign(testPrincipal())
	if _, ok := other.Verify(raw); ok {
		t.Fatalf("credential verified under a different secret")
	}
}

func TestSessionCodecExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	codec, _ := NewSessionCodec(testSecret, time.Hour)
	codec.clock = func() time.Time { return now }

	raw, err := codec.Sign(testPrincipal())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	now = now.Add(59 * time.Minute)
	if _, ok := codec.Verify(raw); !ok {
		t.Fatalf("credential should still be valid before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok := codec.Verify(raw); ok {
		t.Fatalf("credential should be rejected at expiry")
	}
}

func TestSessionCodecMalformedInput(t *testing.T) {
	codec, _ := NewSessionCodec(testSecret, time.Hour)
	for _, raw := range []string{"", ".", "abc", "abc.", ".abc", "a.b.c", "!!!.???"} {
		if _, ok := codec.Verify(raw); ok {
			t.Fatalf("Verify(%q) accepted malformed input", raw)
		}
	}
}

func TestSessionCodecRequiresLongSecret(t *testing.T) {
	if _, err := NewSessionCodec("too-short", time.Hour); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestSessionCodecSignRejectsIncompletePrincipal(t *testing.T) {
	codec, _ := NewSessionCodec(testSecret, time.Hour)
	p := testPrincipal()
	p.Issuer = ""
	if _, err := codec.Sign(p); err == nil {
		t.Fatalf("expected error for principal without issuer")
	}
}
