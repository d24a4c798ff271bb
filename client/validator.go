// Package client validates dashboard-minted proxy tokens on the backend side.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator. Secret and Algorithm must
// match the dashboard's proxy_token settings.
type ValidatorConfig struct {
	Secret    string
	Algorithm string
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Validator verifies HMAC-signed proxy tokens.
type Validator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

// Claims is the validated view of a proxy token.
type Claims struct {
	Subject     string
	AccountKey  string
	AuthSubject string
	AuthIssuer  string
	IDP         string
	Email       string
	Name        string
	Tenant      string
	Scopes      []string
	TokenID     string
	ExpiresAt   time.Time
	IssuedAt    time.Time
}

type proxyClaims struct {
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

// NewValidator creates a validator with the signing algorithm pinned.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("secret required")
	}
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	if !slices.Contains([]string{"HS256", "HS384", "HS512"}, alg) {
		return nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Validator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Validate checks signature, expiry, issuer and audience.
func (v *Validator) Validate(_ context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	var pc proxyClaims
	tok, err := v.parser.ParseWithClaims(rawToken, &pc, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}
	if pc.Subject == "" || pc.AccountKey == "" {
		return nil, errors.New("sub or account_key missing")
	}

	c := &Claims{
		Subject:     pc.Subject,
		AccountKey:  pc.AccountKey,
		AuthSubject: pc.AuthSubject,
		AuthIssuer:  pc.AuthIssuer,
		IDP:         pc.IDP,
		Email:       pc.Email,
		Name:        pc.Name,
		Tenant:      pc.Tenant,
		Scopes:      pc.Scopes,
		TokenID:     pc.ID,
	}
	if pc.ExpiresAt != nil {
		c.ExpiresAt = pc.ExpiresAt.Time
	}
	if pc.IssuedAt != nil {
		c.IssuedAt = pc.IssuedAt.Time
	}
	return c, nil
}

// HasScopes ensures the claims include the required scopes.
func (v *Validator) HasScopes(claims *Claims, required ...string) error {
	for _, need := range required {
		if !slices.Contains(claims.Scopes, need) {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// RequireScopes middleware validates the bearer token and injects claims into context.
func RequireScopes(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(auth, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), strings.TrimSpace(token))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}
