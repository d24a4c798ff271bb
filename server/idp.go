package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const maxProfileBytes = 1 << 20

// IdentityProvider is one upstream provider variant behind the flow orchestrator.
type IdentityProvider interface {
	Config() IdentityProviderConfig
	// AuthCodeURL builds the authorization redirect for flow.
	AuthCodeURL(ctx context.Context, flow TransientFlowState) (string, error)
	// Exchange redeems code and returns the verified principal.
	Exchange(ctx context.Context, code string, flow TransientFlowState) (SessionPrincipal, error)
}

type providerDeps struct {
	client        *http.Client
	discovery     *DiscoveryCache
	allowUnsigned bool
	logger        *slog.Logger
}

// newIdentityProvider dispatches on the configured protocol.
func newIdentityProvider(cfg IdentityProviderConfig, deps providerDeps) (IdentityProvider, error) {
	switch cfg.Protocol {
	case ProtocolOIDC:
		return &OIDCProvider{cfg: cfg, deps: deps}, nil
	case ProtocolOAuth2:
		return &OAuth2Provider{cfg: cfg, deps: deps}, nil
	default:
		return nil, configErrorf("oidc."+cfg.ID, "unknown protocol %q", cfg.Protocol)
	}
}

// OIDCProvider is a discovery-based OpenID Connect provider.
type OIDCProvider struct {
	cfg  IdentityProviderConfig
	deps providerDeps
}

// Config returns the resolved provider configuration.
func (p *OIDCProvider) Config() IdentityProviderConfig { return p.cfg }

func (p *OIDCProvider) document(ctx context.Context) (DiscoveryDocument, error) {
	doc, err := p.deps.discovery.Get(ctx, p.cfg.Issuer)
	if err != nil {
		return DiscoveryDocument{}, err
	}
	doc.AuthorizationEndpoint = firstNonEmpty(p.cfg.AuthorizationEndpoint, doc.AuthorizationEndpoint)
	doc.TokenEndpoint = firstNonEmpty(p.cfg.TokenEndpoint, doc.TokenEndpoint)
	doc.UserinfoEndpoint = firstNonEmpty(p.cfg.UserinfoEndpoint, doc.UserinfoEndpoint)
	return doc, nil
}

func (p *OIDCProvider) oauthConfig(doc DiscoveryDocument) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURI,
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL constructs the authorization request with PKCE and nonce.
func (p *OIDCProvider) AuthCodeURL(ctx context.Context, flow TransientFlowState) (string, error) {
	doc, err := p.document(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(flow.CodeVerifier),
		oauth2.SetAuthURLParam("nonce", flow.Nonce),
	}
	if p.cfg.PromptHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", p.cfg.PromptHint))
	}
	return p.oauthConfig(doc).AuthCodeURL(flow.State, opts...), nil
}

// Exchange completes the code exchange and reconciles ID token and userinfo claims.
func (p *OIDCProvider) Exchange(ctx context.Context, code string, flow TransientFlowState) (SessionPrincipal, error) {
	doc, err := p.document(ctx)
	if err != nil {
		return SessionPrincipal{}, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.deps.client)
	tok, err := p.oauthConfig(doc).Exchange(ctx, code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return SessionPrincipal{}, fmt.Errorf("%w: exchange code: %v", ErrOIDCExchangeFailed, err)
	}

	claims, idt, err := p.resolveClaims(ctx, doc, tok, flow.Nonce)
	if err != nil {
		return SessionPrincipal{}, err
	}

	subject := stringClaim(claims, "sub")
	if subject == "" {
		return SessionPrincipal{}, fmt.Errorf("%w: no subject in identity claims", ErrOIDCExchangeFailed)
	}
	issuer := expectedIssuer(doc.Issuer, claims)
	if idt != nil && idt.Issuer != "" {
		issuer = idt.Issuer
	}
	return SessionPrincipal{
		Subject:          subject,
		Issuer:           strings.TrimSuffix(issuer, "/"),
		AuthMethod:       AuthMethodOIDC,
		Email:            stringClaim(claims, "email"),
		Name:             stringClaim(claims, "name", "preferred_username", "nickname"),
		Tenant:           extractTenant(claims, p.cfg.TenantClaimKeys),
		IdentityProvider: p.cfg.ID,
		PictureURL:       stringClaim(claims, "picture"),
	}, nil
}

// resolveClaims prefers userinfo, cross-checked against the ID token subject.
// ID token claims alone are accepted only when the unsigned fallback is enabled.
func (p *OIDCProvider) resolveClaims(ctx context.Context, doc DiscoveryDocument, tok *oauth2.Token, nonce string) (map[string]any, *idTokenClaims, error) {
	var idt *idTokenClaims
	if raw, _ := tok.Extra("id_token").(string); raw != "" {
		decoded, err := decodeIDToken(raw)
		if err != nil {
			return nil, nil, err
		}
		if err := decoded.validate(nonce, doc.Issuer, p.cfg.ClientID); err != nil {
			return nil, nil, err
		}
		idt = decoded
	}

	if doc.UserinfoEndpoint != "" && tok.AccessToken != "" {
		userinfo, err := p.userInfo(ctx, doc, tok)
		if err != nil {
			return nil, nil, err
		}
		uiSub := stringClaim(userinfo, "sub")
		if uiSub == "" {
			return nil, nil, fmt.Errorf("%w: userinfo response has no subject", ErrOIDCExchangeFailed)
		}
		merged := map[string]any{}
		if idt != nil {
			if idt.Subject != "" && idt.Subject != uiSub {
				return nil, nil, fmt.Errorf("%w: id_token subject does not match userinfo subject", ErrOIDCExchangeFailed)
			}
			for k, v := range idt.Raw {
				merged[k] = v
			}
		}
		for k, v := range userinfo {
			merged[k] = v
		}
		return merged, idt, nil
	}

	if idt == nil {
		return nil, nil, fmt.Errorf("%w: provider returned neither id_token nor userinfo", ErrOIDCExchangeFailed)
	}
	if !p.deps.allowUnsigned {
		return nil, nil, fmt.Errorf("%w: userinfo unavailable for %s and unsigned id_token fallback is disabled", ErrOIDCConfigInvalid, p.cfg.ID)
	}
	if p.deps.logger != nil {
		p.deps.logger.Warn("accepting unverified id_token claims", "provider", p.cfg.ID)
	}
	return idt.Raw, idt, nil
}

func (p *OIDCProvider) userInfo(ctx context.Context, doc DiscoveryDocument, tok *oauth2.Token) (map[string]any, error) {
	ctx = oidc.ClientContext(ctx, p.deps.client)
	op := (&oidc.ProviderConfig{
		IssuerURL:   doc.Issuer,
		AuthURL:     doc.AuthorizationEndpoint,
		TokenURL:    doc.TokenEndpoint,
		UserInfoURL: doc.UserinfoEndpoint,
		JWKSURL:     doc.JWKSURI,
	}).NewProvider(ctx)

	info, err := op.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch userinfo: %v", ErrOIDCExchangeFailed, err)
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode userinfo: %v", ErrOIDCExchangeFailed, err)
	}
	return claims, nil
}

// OAuth2Provider is a raw OAuth2 provider with fixed endpoints and a
// profile API instead of ID tokens (GitHub).
type OAuth2Provider struct {
	cfg  IdentityProviderConfig
	deps providerDeps
}

// Config returns the resolved provider configuration.
func (p *OAuth2Provider) Config() IdentityProviderConfig { return p.cfg }

func (p *OAuth2Provider) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURI,
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.cfg.AuthorizationEndpoint,
			TokenURL:  p.cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL constructs the authorization request with PKCE. No nonce is sent.
func (p *OAuth2Provider) AuthCodeURL(_ context.Context, flow TransientFlowState) (string, error) {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(flow.CodeVerifier)}
	if p.cfg.PromptHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", p.cfg.PromptHint))
	}
	return p.oauthConfig().AuthCodeURL(flow.State, opts...), nil
}

type githubProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Exchange redeems code, then reads the profile and, when the profile email
// is private, the emails endpoint.
func (p *OAuth2Provider) Exchange(ctx context.Context, code string, flow TransientFlowState) (SessionPrincipal, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.deps.client)
	cfg := p.oauthConfig()
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return SessionPrincipal{}, fmt.Errorf("%w: exchange code: %v", ErrOIDCExchangeFailed, err)
	}
	client := cfg.Client(ctx, tok)

	body, err := getJSON(ctx, client, p.cfg.UserinfoEndpoint)
	if err != nil {
		return SessionPrincipal{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return SessionPrincipal{}, fmt.Errorf("%w: decode profile: %v", ErrOIDCExchangeFailed, err)
	}
	var profile githubProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return SessionPrincipal{}, fmt.Errorf("%w: decode profile: %v", ErrOIDCExchangeFailed, err)
	}

	subject := oauth2Subject(p.cfg.ID, profile)
	if subject == "" {
		return SessionPrincipal{}, fmt.Errorf("%w: profile has neither id nor login", ErrOIDCExchangeFailed)
	}

	email := profile.Email
	if email == "" && p.cfg.SecondaryEndpoint != "" {
		body, err := getJSON(ctx, client, p.cfg.SecondaryEndpoint)
		if err != nil {
			return SessionPrincipal{}, err
		}
		var emails []githubEmail
		if err := json.Unmarshal(body, &emails); err != nil {
			return SessionPrincipal{}, fmt.Errorf("%w: decode emails: %v", ErrOIDCExchangeFailed, err)
		}
		email = selectEmail(emails)
	}

	return SessionPrincipal{
		Subject:          subject,
		Issuer:           p.cfg.Issuer,
		AuthMethod:       AuthMethodOIDC,
		Email:            email,
		Name:             firstNonEmpty(profile.Name, profile.Login),
		Tenant:           extractTenant(raw, p.cfg.TenantClaimKeys),
		IdentityProvider: p.cfg.ID,
		PictureURL:       profile.AvatarURL,
	}, nil
}

// oauth2Subject namespaces the stable numeric id, or the login handle when no id is present.
func oauth2Subject(providerID string, profile githubProfile) string {
	switch {
	case profile.ID > 0:
		return providerID + ":" + strconv.FormatInt(profile.ID, 10)
	case profile.Login != "":
		return providerID + ":login:" + profile.Login
	}
	return ""
}

// selectEmail picks the primary verified address, then the first verified, then the first.
func selectEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified && e.Email != "" {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Email != "" {
			return e.Email
		}
	}
	return ""
}

func getJSON(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint not configured", ErrOIDCConfigInvalid)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOIDCConfigInvalid, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrOIDCExchangeFailed, endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrOIDCExchangeFailed, endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s returned %s", ErrOIDCExchangeFailed, endpoint, resp.Status)
	}
	return body, nil
}

// ProbeAuthorizationEndpoint resolves a provider's authorization endpoint
// without starting a flow. Used by the connect command.
func ProbeAuthorizationEndpoint(ctx context.Context, provider IdentityProvider) (string, error) {
	switch p := provider.(type) {
	case *OIDCProvider:
		doc, err := p.document(ctx)
		if err != nil {
			return "", err
		}
		return doc.AuthorizationEndpoint, nil
	case *OAuth2Provider:
		return p.cfg.AuthorizationEndpoint, nil
	}
	return "", errors.New("unsupported provider type")
}
