package server

import (
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Provider identifiers. The legacy single provider is exposed as "oidc".
const (
	ProviderAuth0  = "auth0"
	ProviderEntra  = "entra"
	ProviderGitHub = "github"
	ProviderLegacy = "oidc"
)

const (
	githubAuthorizeURL = "https://github.com/login/oauth/authorize"
	githubTokenURL     = "https://github.com/login/oauth/access_token"
	githubProfileURL   = "https://api.github.com/user"
	githubEmailsURL    = "https://api.github.com/user/emails"
	githubIssuer       = "https://github.com"

	callbackPath = "/auth/oidc/callback"
)

var defaultOIDCScopes = []string{oidc.ScopeOpenID, "profile", "email"}

var defaultGitHubScopes = []string{"read:user", "user:email"}

// sharedTenantClaims is consulted after a provider's own tenant claim keys.
var sharedTenantClaims = []string{"tenant_id", "tenant", "tid", "org_id", "organization_id", "organization", "hd"}

type providerPreset struct {
	id       string
	label    string
	protocol Protocol
	tenant   []string
	upstream func(OIDCConfig) UpstreamProvider
}

// dedicatedProviders are offered together whenever any are configured, in this order.
var dedicatedProviders = []providerPreset{
	{id: ProviderAuth0, label: "Auth0", protocol: ProtocolOIDC, tenant: []string{"org_id"},
		upstream: func(c OIDCConfig) UpstreamProvider { return c.Auth0 }},
	{id: ProviderEntra, label: "Microsoft Entra ID", protocol: ProtocolOIDC, tenant: []string{"tid"},
		upstream: func(c OIDCConfig) UpstreamProvider { return c.Entra }},
	{id: ProviderGitHub, label: "GitHub", protocol: ProtocolOAuth2,
		upstream: func(c OIDCConfig) UpstreamProvider { return c.GitHub }},
}

// ProviderRegistry holds the identity providers resolved from configuration.
type ProviderRegistry struct {
	providers []IdentityProviderConfig
	byID      map[string]IdentityProviderConfig
}

// NewProviderRegistry resolves providers. A misconfigured provider is a ConfigError.
func NewProviderRegistry(cfg Config) (*ProviderRegistry, error) {
	providers, err := buildProviderConfigs(cfg)
	if err != nil {
		return nil, err
	}
	reg := &ProviderRegistry{
		providers: providers,
		byID:      make(map[string]IdentityProviderConfig, len(providers)),
	}
	for _, p := range providers {
		reg.byID[p.ID] = p
	}
	return reg, nil
}

// Providers returns every provider offered to the user, in display order.
func (r *ProviderRegistry) Providers() []IdentityProviderConfig {
	out := make([]IdentityProviderConfig, len(r.providers))
	copy(out, r.providers)
	return out
}

// Summaries returns the public view of the configured providers.
func (r *ProviderRegistry) Summaries() []ProviderSummary {
	out := make([]ProviderSummary, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, ProviderSummary{ID: p.ID, Label: p.Label, Protocol: p.Protocol})
	}
	return out
}

// ResolveOne returns the provider named by hint, or the first provider when hint is empty.
func (r *ProviderRegistry) ResolveOne(hint string) (IdentityProviderConfig, error) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		if len(r.providers) == 0 {
			return IdentityProviderConfig{}, fmt.Errorf("%w: no provider configured", ErrOIDCConfigInvalid)
		}
		return r.providers[0], nil
	}
	p, ok := r.byID[hint]
	if !ok {
		return IdentityProviderConfig{}, fmt.Errorf("%w: unknown provider %q", ErrOIDCConfigInvalid, hint)
	}
	return p, nil
}

// buildProviderConfigs applies the precedence rule: every configured dedicated
// provider, or else the legacy single provider.
func buildProviderConfigs(c Config) ([]IdentityProviderConfig, error) {
	var out []IdentityProviderConfig
	for _, preset := range dedicatedProviders {
		up := preset.upstream(c.OIDC)
		if !up.Configured() {
			continue
		}
		p, err := resolveProvider(c, preset, up)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) > 0 {
		return out, nil
	}

	if !c.OIDC.Legacy.Configured() && c.OIDC.Legacy.Issuer == "" {
		return nil, nil
	}
	legacy := providerPreset{id: ProviderLegacy, label: "Single sign-on", protocol: ProtocolOIDC}
	p, err := resolveProvider(c, legacy, c.OIDC.Legacy)
	if err != nil {
		return nil, err
	}
	return []IdentityProviderConfig{p}, nil
}

func resolveProvider(c Config, preset providerPreset, up UpstreamProvider) (IdentityProviderConfig, error) {
	field := "oidc." + preset.id
	if preset.id == ProviderLegacy {
		field = "oidc.legacy"
	}
	if up.ClientID == "" {
		return IdentityProviderConfig{}, configErrorf(field+".client_id", "is required")
	}
	if up.ClientSecret == "" {
		return IdentityProviderConfig{}, configErrorf(field+".client_secret", "is required")
	}

	p := IdentityProviderConfig{
		ID:                    preset.id,
		Label:                 firstNonEmpty(up.Label, preset.label),
		Protocol:              preset.protocol,
		Issuer:                strings.TrimSuffix(up.Issuer, "/"),
		ClientID:              up.ClientID,
		ClientSecret:          up.ClientSecret,
		Scopes:                up.Scopes,
		RedirectURI:           up.RedirectURI,
		PromptHint:            up.Prompt,
		TenantClaimKeys:       preset.tenant,
		AuthorizationEndpoint: up.AuthorizationEndpoint,
		TokenEndpoint:         up.TokenEndpoint,
		UserinfoEndpoint:      up.UserinfoEndpoint,
		SecondaryEndpoint:     up.EmailsEndpoint,
	}
	if len(up.TenantClaims) > 0 {
		p.TenantClaimKeys = up.TenantClaims
	}
	if p.RedirectURI == "" {
		p.RedirectURI = strings.TrimSuffix(c.Server.PublicURL, "/") + callbackPath
	}

	switch p.Protocol {
	case ProtocolOIDC:
		if p.Issuer == "" {
			return IdentityProviderConfig{}, configErrorf(field+".issuer", "is required")
		}
		if preset.id == ProviderEntra && up.TenantID != "" {
			if resolved, ok := resolveAzureTenantIssuer(p.Issuer, up.TenantID); ok {
				p.Issuer = resolved
			}
		}
		if len(p.Scopes) == 0 {
			p.Scopes = defaultOIDCScopes
		}
	case ProtocolOAuth2:
		p.Issuer = firstNonEmpty(p.Issuer, githubIssuer)
		p.AuthorizationEndpoint = firstNonEmpty(p.AuthorizationEndpoint, githubAuthorizeURL)
		p.TokenEndpoint = firstNonEmpty(p.TokenEndpoint, githubTokenURL)
		p.UserinfoEndpoint = firstNonEmpty(p.UserinfoEndpoint, githubProfileURL)
		p.SecondaryEndpoint = firstNonEmpty(p.SecondaryEndpoint, githubEmailsURL)
		if len(p.Scopes) == 0 {
			p.Scopes = defaultGitHubScopes
		}
	}
	return p, nil
}

// resolveAzureTenantIssuer rewrites a multi-tenant Entra issuer for a specific tenant.
func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
