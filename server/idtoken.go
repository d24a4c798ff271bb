package server

import (
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v3/jwt"
)

// entraTenantPlaceholder appears in the issuer of Entra's multi-tenant discovery documents.
const entraTenantPlaceholder = "{tenantid}"

// idTokenClaims are the decoded, not signature-verified, ID token claims.
type idTokenClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Nonce    string
	Raw      map[string]any
}

type idTokenStandard struct {
	jwt.Claims
	Nonce string `json:"nonce,omitempty"`
}

// decodeIDToken parses a compact JWS without checking its signature.
// Trust in the claims comes from the cross-checks in validate and from userinfo.
func decodeIDToken(raw string) (*idTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed id_token: %v", ErrOIDCExchangeFailed, err)
	}
	var std idTokenStandard
	var all map[string]any
	if err := tok.UnsafeClaimsWithoutVerification(&std, &all); err != nil {
		return nil, fmt.Errorf("%w: decode id_token claims: %v", ErrOIDCExchangeFailed, err)
	}
	return &idTokenClaims{
		Issuer:   std.Issuer,
		Subject:  std.Subject,
		Audience: []string(std.Audience),
		Nonce:    std.Nonce,
		Raw:      all,
	}, nil
}

// validate checks nonce, issuer and audience. A nonce mismatch is a state
// failure; issuer and audience mismatches are exchange failures.
func (c *idTokenClaims) validate(expectedNonce, discoveredIssuer, clientID string) error {
	if expectedNonce == "" || subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(expectedNonce)) != 1 {
		return fmt.Errorf("%w: id_token nonce mismatch", ErrOIDCStateInvalid)
	}
	want := expectedIssuer(discoveredIssuer, c.Raw)
	if want != "" && strings.TrimSuffix(c.Issuer, "/") != strings.TrimSuffix(want, "/") {
		return fmt.Errorf("%w: id_token issuer %q does not match %q", ErrOIDCExchangeFailed, c.Issuer, want)
	}
	if !slices.Contains(c.Audience, clientID) {
		return fmt.Errorf("%w: id_token audience does not include client", ErrOIDCExchangeFailed)
	}
	return nil
}

// expectedIssuer substitutes the tid claim into Entra's templated issuer.
func expectedIssuer(discovered string, claims map[string]any) string {
	if !strings.Contains(discovered, entraTenantPlaceholder) {
		return discovered
	}
	tid, _ := claims["tid"].(string)
	if tid == "" {
		return discovered
	}
	return strings.ReplaceAll(discovered, entraTenantPlaceholder, tid)
}

// extractTenant returns the first non-empty string claim, trying the
// provider's keys before the shared fallbacks.
func extractTenant(claims map[string]any, providerKeys []string) string {
	for _, keys := range [][]string{providerKeys, sharedTenantClaims} {
		for _, k := range keys {
			if v, ok := claims[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func stringClaim(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
