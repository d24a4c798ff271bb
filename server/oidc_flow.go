package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dashauth/store"
)

// Transient flow cookie names.
const (
	FlowStateCookie    = "dash_oidc_state"
	FlowNonceCookie    = "dash_oidc_nonce"
	FlowVerifierCookie = "dash_oidc_verifier"
	FlowProviderCookie = "dash_oidc_provider"

	consumedStatePrefix = "oidc:consumed:"
)

const (
	stateBytes    = 24
	nonceBytes    = 24
	verifierBytes = 48
)

// FlowOrchestrator drives the authorization-code flow for every configured provider.
type FlowOrchestrator struct {
	registry  *ProviderRegistry
	providers map[string]IdentityProvider
	ledger    store.Store
	secure    bool
	cookieTTL time.Duration
	logger    *slog.Logger
}

// NewFlowOrchestrator builds one IdentityProvider per registry entry.
func NewFlowOrchestrator(cfg Config, registry *ProviderRegistry, discovery *DiscoveryCache, kv store.Store, client *http.Client, logger *slog.Logger) (*FlowOrchestrator, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.OIDC.HTTPTimeout}
	}
	deps := providerDeps{
		client:        client,
		discovery:     discovery,
		allowUnsigned: cfg.OIDC.AllowUnsignedIDTokenFallback,
		logger:        logger,
	}
	f := &FlowOrchestrator{
		registry:  registry,
		providers: make(map[string]IdentityProvider),
		ledger:    kv,
		secure:    cfg.SecureCookies(),
		cookieTTL: DefaultFlowCookieTTL,
		logger:    logger,
	}
	for _, pc := range registry.Providers() {
		p, err := newIdentityProvider(pc, deps)
		if err != nil {
			return nil, err
		}
		f.providers[pc.ID] = p
	}
	return f, nil
}

// Provider returns the identity provider registered under id.
func (f *FlowOrchestrator) Provider(id string) (IdentityProvider, bool) {
	p, ok := f.providers[id]
	return p, ok
}

// NewFlowState generates fresh state, nonce and PKCE verifier values.
func NewFlowState(providerID string) (TransientFlowState, error) {
	state, err := randomToken(stateBytes)
	if err != nil {
		return TransientFlowState{}, err
	}
	nonce, err := randomToken(nonceBytes)
	if err != nil {
		return TransientFlowState{}, err
	}
	verifier, err := randomToken(verifierBytes)
	if err != nil {
		return TransientFlowState{}, err
	}
	return TransientFlowState{State: state, Nonce: nonce, CodeVerifier: verifier, ProviderID: providerID}, nil
}

// Start resolves the provider named by hint, stores the flow state in
// cookies and returns the authorization URL to redirect to.
func (f *FlowOrchestrator) Start(ctx context.Context, w http.ResponseWriter, hint string) (string, string, error) {
	pc, err := f.registry.ResolveOne(hint)
	if err != nil {
		return "", "", err
	}
	provider, ok := f.providers[pc.ID]
	if !ok {
		return "", pc.ID, fmt.Errorf("%w: provider %s not initialised", ErrOIDCConfigInvalid, pc.ID)
	}
	flow, err := NewFlowState(pc.ID)
	if err != nil {
		return "", pc.ID, fmt.Errorf("%w: generate flow state: %v", ErrOIDCExchangeFailed, err)
	}
	target, err := provider.AuthCodeURL(ctx, flow)
	if err != nil {
		return "", pc.ID, err
	}
	f.setFlowCookies(w, flow)
	return target, pc.ID, nil
}

// Callback validates the returned parameters against the stored flow and
// exchanges the code. The transient cookies are cleared on every outcome.
func (f *FlowOrchestrator) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (SessionPrincipal, string, error) {
	stored := readFlowCookies(r)
	f.clearFlowCookies(w)

	q := r.URL.Query()
	params := CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	if params.Error != "" {
		return SessionPrincipal{}, stored.ProviderID, fmt.Errorf("%w: %s: %s", ErrOIDCProviderError, params.Error, params.ErrorDescription)
	}
	if stored.State == "" || params.State == "" ||
		subtle.ConstantTimeCompare([]byte(stored.State), []byte(params.State)) != 1 {
		return SessionPrincipal{}, stored.ProviderID, fmt.Errorf("%w: state mismatch", ErrOIDCStateInvalid)
	}
	if stored.CodeVerifier == "" {
		return SessionPrincipal{}, stored.ProviderID, fmt.Errorf("%w: missing code verifier", ErrOIDCStateInvalid)
	}
	if params.Code == "" {
		return SessionPrincipal{}, stored.ProviderID, fmt.Errorf("%w: missing authorization code", ErrOIDCExchangeFailed)
	}
	provider, ok := f.providers[stored.ProviderID]
	if !ok {
		return SessionPrincipal{}, stored.ProviderID, fmt.Errorf("%w: unknown provider %q", ErrOIDCConfigInvalid, stored.ProviderID)
	}
	if provider.Config().Protocol == ProtocolOIDC && stored.Nonce == "" {
		return SessionPrincipal{}, stored.ProviderID, fmt.Errorf("%w: missing nonce", ErrOIDCStateInvalid)
	}
	if err := f.consumeState(ctx, stored.State); err != nil {
		return SessionPrincipal{}, stored.ProviderID, err
	}
	principal, err := provider.Exchange(ctx, params.Code, stored)
	if err != nil {
		return SessionPrincipal{}, stored.ProviderID, err
	}
	return principal, stored.ProviderID, nil
}

// consumeState records the state so a replayed callback is rejected.
func (f *FlowOrchestrator) consumeState(ctx context.Context, state string) error {
	sum := sha256.Sum256([]byte(state))
	key := consumedStatePrefix + hex.EncodeToString(sum[:])
	_, seen, err := f.ledger.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: read state ledger: %v", ErrOIDCStateInvalid, err)
	}
	if seen {
		return fmt.Errorf("%w: state already used", ErrOIDCStateInvalid)
	}
	if err := f.ledger.Set(ctx, key, []byte("1"), f.cookieTTL); err != nil {
		return fmt.Errorf("%w: write state ledger: %v", ErrOIDCStateInvalid, err)
	}
	return nil
}

func (f *FlowOrchestrator) setFlowCookies(w http.ResponseWriter, flow TransientFlowState) {
	values := map[string]string{
		FlowStateCookie:    flow.State,
		FlowNonceCookie:    flow.Nonce,
		FlowVerifierCookie: flow.CodeVerifier,
		FlowProviderCookie: flow.ProviderID,
	}
	for _, name := range flowCookieNames {
		http.SetCookie(w, f.flowCookie(name, values[name], int(f.cookieTTL.Seconds())))
	}
}

func (f *FlowOrchestrator) clearFlowCookies(w http.ResponseWriter) {
	for _, name := range flowCookieNames {
		http.SetCookie(w, f.flowCookie(name, "", -1))
	}
}

func (f *FlowOrchestrator) flowCookie(name, value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
	if maxAge < 0 {
		c.Expires = time.Unix(0, 0)
	}
	return c
}

var flowCookieNames = []string{FlowStateCookie, FlowNonceCookie, FlowVerifierCookie, FlowProviderCookie}

func readFlowCookies(r *http.Request) TransientFlowState {
	get := func(name string) string {
		if c, err := r.Cookie(name); err == nil {
			return c.Value
		}
		return ""
	}
	return TransientFlowState{
		State:        get(FlowStateCookie),
		Nonce:        get(FlowNonceCookie),
		CodeVerifier: get(FlowVerifierCookie),
		ProviderID:   get(FlowProviderCookie),
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
