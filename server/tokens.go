package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accountKeyPrefix    = "acct_"
	accountKeyHexLength = 24
)

// ProxyTokenClaims are the claims carried by a minted backend credential.
type ProxyTokenClaims struct {
	Scopes      []string `json:"scopes"`
	AccountKey  string   `json:"account_key"`
	AuthSubject string   `json:"auth_sub"`
	AuthIssuer  string   `json:"auth_iss"`
	IDP         string   `json:"idp,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Tenant      string   `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// TokenMinter converts a session principal into a short-lived scoped backend credential.
type TokenMinter struct {
	mode        ProxyTokenMode
	secret      []byte
	method      jwt.SigningMethod
	issuer      string
	audience    string
	ttl         time.Duration
	staticToken string
	clock       func() time.Time
}

// NewTokenMinter constructs a minter from the proxy_token config section.
func NewTokenMinter(cfg ProxyTokenConfig) (*TokenMinter, error) {
	m := &TokenMinter{
		mode:        cfg.Mode,
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		ttl:         cfg.TTL,
		staticToken: cfg.StaticToken,
		clock:       time.Now,
	}
	if m.mode == "" {
		m.mode = ProxyTokenModeJWT
	}
	if m.ttl <= 0 {
		m.ttl = DefaultProxyTokenTTL
	}
	if m.mode == ProxyTokenModeJWT {
		method, err := signingMethodFor(cfg.Algorithm)
		if err != nil {
			return nil, err
		}
		m.method = method
	}
	return m, nil
}

// Mint issues a credential for principal carrying scopes. In static mode the
// configured operator token is returned and principal is ignored.
func (m *TokenMinter) Mint(_ context.Context, principal *SessionPrincipal, scopes []string) (MintedToken, error) {
	if m.mode == ProxyTokenModeStatic {
		if m.staticToken == "" {
			return MintedToken{}, configErrorf("proxy_token.static_token", "is required in static mode")
		}
		return MintedToken{Token: m.staticToken}, nil
	}
	if len(m.secret) < MinSecretLength {
		return MintedToken{}, configErrorf("proxy_token.secret", "must be at least %d bytes", MinSecretLength)
	}
	if principal == nil || principal.Subject == "" || principal.Issuer == "" {
		return MintedToken{}, ErrAuthRequired
	}

	accountKey := AccountKey(principal.Issuer, principal.Tenant, principal.Subject)
	now := m.clock()
	expires := now.Add(m.ttl)
	claims := ProxyTokenClaims{
		Scopes:      dedupeScopes(scopes),
		AccountKey:  accountKey,
		AuthSubject: principal.Subject,
		AuthIssuer:  principal.Issuer,
		IDP:         principal.IdentityProvider,
		Email:       principal.Email,
		Name:        principal.Name,
		Tenant:      principal.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountKey,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return MintedToken{}, fmt.Errorf("sign proxy token: %w", err)
	}
	return MintedToken{Token: signed, AccountKey: accountKey, ExpiresAt: expires}, nil
}

// AccountKey groups every session of one tenant, or of one subject when no
// tenant is known, under a stable non-reversible key.
func AccountKey(issuer, tenant, subject string) string {
	group := tenant
	if group == "" {
		group = subject
	}
	sum := sha256.Sum256([]byte(issuer + "\n" + group))
	return accountKeyPrefix + hex.EncodeToString(sum[:])[:accountKeyHexLength]
}

func dedupeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func signingMethodFor(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	}
	return nil, configErrorf("proxy_token.algorithm", "must be HS256, HS384 or HS512, got: %q", alg)
}
