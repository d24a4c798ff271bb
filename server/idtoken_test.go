package server

import (
	"errors"
	"testing"
)

func TestIDTokenValidate(t *testing.T) {
	base := idTokenClaims{
		Issuer:   "https://login.microsoftonline.com/tenant-1/v2.0",
		Subject:  "user",
		Audience: []string{"client"},
		Nonce:    "n",
		Raw:      map[string]any{"tid": "tenant-1"},
	}
	discovered := "https://login.microsoftonline.com/{tenantid}/v2.0"

	if err := base.validate("n", discovered, "client"); err != nil {
		t.Fatalf("templated issuer should resolve from tid: %v", err)
	}

	wrongNonce := base
	if err := wrongNonce.validate("other", discovered, "client"); !errors.Is(err, ErrOIDCStateInvalid) {
		t.Fatalf("nonce mismatch should be a state failure, got %v", err)
	}

	if err := base.validate("", discovered, "client"); !errors.Is(err, ErrOIDCStateInvalid) {
		t.Fatalf("an empty expected nonce must not skip the check, got %v", err)
	}

	wrongAud := base
	wrongAud.Audience = []string{"someone-else"}
	if err := wrongAud.validate("n", discovered, "client"); !errors.Is(err, ErrOIDCExchangeFailed) {
		t.Fatalf("audience mismatch should fail the exchange, got %v", err)
	}

	wrongIss := base
	wrongIss.Raw = map[string]any{"tid": "tenant-2"}
	if err := wrongIss.validate("n", discovered, "client"); !errors.Is(err, ErrOIDCExchangeFailed) {
		t.Fatalf("issuer mismatch should fail the exchange, got %v", err)
	}
}

func TestDecodeIDTokenMalformed(t *testing.T) {
	if _, err := decodeIDToken("not-a-jwt"); !errors.Is(err, ErrOIDCExchangeFailed) {
		t.Fatalf("expected ErrOIDCExchangeFailed, got %v", err)
	}
}

func TestExtractTenant(t *testing.T) {
	claims := map[string]any{"tid": "entra-tenant", "org_id": " org_9 ", "hd": "example.com"}
	if got := extractTenant(claims, []string{"org_id"}); got != "org_9" {
		t.Fatalf("provider key should win and be trimmed, got %q", got)
	}
	if got := extractTenant(claims, nil); got != "entra-tenant" {
		t.Fatalf("shared fallback order broken, got %q", got)
	}
	if got := extractTenant(map[string]any{"tenant": 42}, nil); got != "" {
		t.Fatalf("non-string claims must be ignored, got %q", got)
	}
}
