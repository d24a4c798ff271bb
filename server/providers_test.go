package server

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func oidcModeConfig() Config {
	cfg := DefaultConfig()
	cfg.Auth.Mode = AuthModeOIDC
	cfg.Session.Secret = testSecret
	cfg.Server.PublicURL = "https://dash.example.com"
	return cfg
}

func TestProviderRegistryDedicatedTakePrecedence(t *testing.T) {
	cfg := oidcModeConfig()
	cfg.OIDC.Legacy = UpstreamProvider{Issuer: "https://legacy.example.com", ClientID: "l", ClientSecret: "ls"}
	cfg.OIDC.GitHub = UpstreamProvider{ClientID: "gh", ClientSecret: "ghs"}
	cfg.OIDC.Auth0 = UpstreamProvider{Issuer: "https://tenant.auth0.com/", ClientID: "a0", ClientSecret: "a0s"}

	reg, err := NewProviderRegistry(cfg)
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}

	want := []ProviderSummary{
		{ID: ProviderAuth0, Label: "Auth0", Protocol: ProtocolOIDC},
		{ID: ProviderGitHub, Label: "GitHub", Protocol: ProtocolOAuth2},
	}
	if diff := cmp.Diff(want, reg.Summaries()); diff != "" {
		t.Fatalf("summaries mismatch (-want +got):\n%s", diff)
	}

	first, err := reg.ResolveOne("")
	if err != nil || first.ID != ProviderAuth0 {
		t.Fatalf("empty hint should pick the first provider, got %q, %v", first.ID, err)
	}
	if first.Issuer != "https://tenant.auth0.com" {
		t.Fatalf("issuer trailing slash not trimmed: %q", first.Issuer)
	}
	if first.RedirectURI != "https://dash.example.com/auth/oidc/callback" {
		t.Fatalf("redirect uri = %q", first.RedirectURI)
	}
	if diff := cmp.Diff([]string{"openid", "profile", "email"}, first.Scopes); diff != "" {
		t.Fatalf("default scopes mismatch:\n%s", diff)
	}

	if _, err := reg.ResolveOne(ProviderLegacy); !errors.Is(err, ErrOIDCConfigInvalid) {
		t.Fatalf("legacy provider must be hidden when dedicated ones exist, got %v", err)
	}
}

func TestProviderRegistryLegacyFallback(t *testing.T) {
	cfg := oidcModeConfig()
	cfg.OIDC.Legacy = UpstreamProvider{Issuer: "https://sso.example.com", ClientID: "l", ClientSecret: "ls", Label: "Corporate SSO"}

	reg, err := NewProviderRegistry(cfg)
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	providers := reg.Providers()
	if len(providers) != 1 || providers[0].ID != ProviderLegacy || providers[0].Label != "Corporate SSO" {
		t.Fatalf("unexpected providers: %+v", providers)
	}
	p, err := reg.ResolveOne("OIDC")
	if err != nil || p.ID != ProviderLegacy {
		t.Fatalf("hint should be case-insensitive: %v", err)
	}
}

func TestProviderRegistryMisconfiguration(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Config)
		field string
	}{
		{"auth0 missing secret", func(c *Config) {
			c.OIDC.Auth0 = UpstreamProvider{Issuer: "https://t.auth0.com", ClientID: "a"}
		}, "oidc.auth0.client_secret"},
		{"auth0 missing issuer", func(c *Config) {
			c.OIDC.Auth0 = UpstreamProvider{ClientID: "a", ClientSecret: "s"}
		}, "oidc.auth0.issuer"},
		{"github missing client id", func(c *Config) {
			c.OIDC.GitHub = UpstreamProvider{ClientSecret: "s"}
		}, "oidc.github.client_id"},
		{"legacy missing client id", func(c *Config) {
			c.OIDC.Legacy = UpstreamProvider{Issuer: "https://sso.example.com"}
		}, "oidc.legacy.client_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := oidcModeConfig()
			tt.setup(&cfg)
			_, err := NewProviderRegistry(cfg)
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Fatalf("expected ConfigError on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestProviderRegistryEntraTenantIssuer(t *testing.T) {
	cfg := oidcModeConfig()
	cfg.OIDC.Entra.ClientID = "e"
	cfg.OIDC.Entra.ClientSecret = "es"
	cfg.OIDC.Entra.TenantID = "contoso-tenant"

	reg, err := NewProviderRegistry(cfg)
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	p, _ := reg.ResolveOne(ProviderEntra)
	if p.Issuer != "https://login.microsoftonline.com/contoso-tenant/v2.0" {
		t.Fatalf("issuer = %q", p.Issuer)
	}
	if diff := cmp.Diff([]string{"tid"}, p.TenantClaimKeys); diff != "" {
		t.Fatalf("tenant claim keys mismatch:\n%s", diff)
	}
}

func TestProviderRegistryGitHubDefaults(t *testing.T) {
	cfg := oidcModeConfig()
	cfg.OIDC.GitHub = UpstreamProvider{ClientID: "gh", ClientSecret: "ghs"}

	reg, err := NewProviderRegistry(cfg)
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	p, _ := reg.ResolveOne(ProviderGitHub)
	want := IdentityProviderConfig{
		ID:                    ProviderGitHub,
		Label:                 "GitHub",
		Protocol:              ProtocolOAuth2,
		Issuer:                githubIssuer,
		ClientID:              "gh",
		ClientSecret:          "ghs",
		Scopes:                []string{"read:user", "user:email"},
		RedirectURI:           "https://dash.example.com/auth/oidc/callback",
		AuthorizationEndpoint: githubAuthorizeURL,
		TokenEndpoint:         githubTokenURL,
		UserinfoEndpoint:      githubProfileURL,
		SecondaryEndpoint:     githubEmailsURL,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("github provider mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveAzureTenantIssuer(t *testing.T) {
	tests := []struct {
		base, tenant, want string
		ok                 bool
	}{
		{"https://login.microsoftonline.com/common/v2.0", "abc", "https://login.microsoftonline.com/abc/v2.0", true},
		{"https://login.microsoftonline.com/{tenant}/v2.0/", "abc", "https://login.microsoftonline.com/abc/v2.0", true},
		{"https://login.microsoftonline.com/fixed/v2.0", "abc", "https://login.microsoftonline.com/fixed/v2.0", false},
		{"https://idp.example.com/common", "abc", "https://idp.example.com/common", false},
	}
	for _, tt := range tests {
		got, ok := resolveAzureTenantIssuer(tt.base, tt.tenant)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("resolveAzureTenantIssuer(%q, %q) = %q, %v; want %q, %v", tt.base, tt.tenant, got, ok, tt.want, tt.ok)
		}
	}
}
