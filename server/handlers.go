package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"dashauth/store"
)

const maxLoginBodyBytes = 16 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     store.Store
	Metrics   *Metrics
	Audit     *Auditor
	Sessions  *SessionManager
	Guard     *SessionGuard
	Origins   *OriginGuard
	Throttle  *LoginThrottle
	Passwords *PasswordVerifier
	Registry  *ProviderRegistry
	Flows     *FlowOrchestrator
	Minter    *TokenMinter
	Backend   *BackendProxy
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, kv store.Store, logger *slog.Logger) (*App, error) {
	if kv == nil {
		kv = store.NewMemory()
	}
	metrics := NewMetrics()
	audit := NewAuditor(logger, metrics)

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   kv,
		Metrics: metrics,
		Audit:   audit,
		Origins: NewOriginGuard(cfg),
	}

	var codec *SessionCodec
	if cfg.Auth.Mode != AuthModeDisabled {
		var err error
		codec, err = NewSessionCodec(cfg.Session.Secret, cfg.Session.TTL)
		if err != nil {
			return nil, err
		}
	}
	app.Sessions = NewSessionManager(cfg, codec)
	app.Guard = NewSessionGuard(cfg, app.Sessions, audit)
	app.Throttle = NewLoginThrottle(cfg, kv)

	switch cfg.Auth.Mode {
	case AuthModePassword:
		pv, err := NewPasswordVerifier(cfg.Auth)
		if err != nil {
			return nil, err
		}
		app.Passwords = pv
	case AuthModeOIDC:
		registry, err := NewProviderRegistry(cfg)
		if err != nil {
			return nil, err
		}
		client := &http.Client{Timeout: cfg.OIDC.HTTPTimeout}
		discovery := NewDiscoveryCache(kv, client, cfg.OIDC.DiscoveryTTL, logger)
		flows, err := NewFlowOrchestrator(cfg, registry, discovery, kv, client, logger)
		if err != nil {
			return nil, err
		}
		app.Registry = registry
		app.Flows = flows
		for _, p := range registry.Providers() {
			if p.Protocol != ProtocolOIDC {
				continue
			}
			if _, err := discovery.Get(ctx, p.Issuer); err != nil {
				logger.Warn("provider discovery failed, will retry on first login", "provider", p.ID, "error", err)
			}
		}
	}
	if cfg.OIDC.AllowUnsignedIDTokenFallback {
		logger.Warn("insecure option enabled", "option", "oidc.allow_unsigned_id_token_fallback")
	}
	if cfg.Origin.AllowMissingOrigin {
		logger.Warn("insecure option enabled", "option", "origin.allow_missing_origin")
	}

	minter, err := NewTokenMinter(cfg.ProxyToken)
	if err != nil {
		return nil, err
	}
	app.Minter = minter

	if cfg.Backend.Target != "" {
		backend, err := NewBackendProxy(cfg, minter, audit, metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("init backend proxy: %w", err)
		}
		app.Backend = backend
	}

	return app, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleProviders(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":      a.Config.Auth.Mode,
		"providers": []ProviderSummary{},
	}
	if a.Registry != nil {
		resp["providers"] = a.Registry.Summaries()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	principal, err := a.Guard.Require(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_required", "no active session")
		return
	}
	annotateRequest(r.Context(), principal)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"principal":     principal,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.Passwords == nil {
		writeError(w, http.StatusNotFound, "password_login_disabled", "password login is not enabled")
		return
	}
	ctx := r.Context()
	fingerprint := clientFingerprint(r, a.Config.Server.TrustProxyHeaders)

	if err := a.Throttle.CheckAllowed(ctx, r); err != nil {
		a.rejectThrottled(w, r, err, fingerprint)
		return
	}

	isJSON := wantsJSON(r)
	req, err := parseLoginRequest(w, r, isJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if !a.Passwords.Verify(req.Username, req.Password) {
		a.Audit.Emit(ctx, Event{Type: EventLoginPassword, Outcome: OutcomeFailure, Reason: "invalid credentials", Fingerprint: fingerprint})
		locked, err := a.Throttle.RecordFailure(ctx, r)
		if err != nil {
			a.rejectThrottled(w, r, err, fingerprint)
			return
		}
		if locked {
			a.Audit.Emit(ctx, Event{Type: EventThrottleLocked, Outcome: OutcomeFailure, Reason: "failure limit reached", Fingerprint: fingerprint})
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "username or password is incorrect")
		return
	}

	if err := a.Throttle.ClearFailures(ctx, r); err != nil {
		a.Logger.Warn("clear throttle entry failed", "error", err)
	}
	principal := SessionPrincipal{
		Subject:          a.Passwords.Username(),
		Issuer:           strings.TrimSuffix(a.Config.Server.PublicURL, "/"),
		AuthMethod:       AuthMethodPassword,
		Name:             a.Passwords.Username(),
		IdentityProvider: string(AuthMethodPassword),
	}
	if err := a.Sessions.Create(w, principal); err != nil {
		a.Logger.Error("session create", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "failed to create session")
		return
	}
	annotateRequest(ctx, principal)
	a.Audit.Emit(ctx, Event{Type: EventLoginPassword, Outcome: OutcomeSuccess, Subject: principal.Subject, Fingerprint: fingerprint})

	if isJSON {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "principal": principal})
		return
	}
	http.Redirect(w, r, a.Config.Server.DashboardPath, http.StatusSeeOther)
}

// rejectThrottled answers 429 for a lockout and 500 for a store failure.
func (a *App) rejectThrottled(w http.ResponseWriter, r *http.Request, err error, fingerprint string) {
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		a.Logger.Error("login throttle unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "login temporarily unavailable")
		return
	}
	a.Audit.Emit(r.Context(), Event{Type: EventThrottleLocked, Outcome: OutcomeFailure, Reason: rl.Error(), Fingerprint: fingerprint})
	w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many failed login attempts")
}

func parseLoginRequest(w http.ResponseWriter, r *http.Request, isJSON bool) (loginRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)
	var req loginRequest
	if isJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return loginRequest{}, errors.New("invalid JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return loginRequest{}, errors.New("invalid form")
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}
	if req.Password == "" {
		return loginRequest{}, errors.New("password is required")
	}
	return req, nil
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := a.Sessions.Fetch(r)
	a.Sessions.Clear(w)
	a.Audit.Emit(r.Context(), Event{
		Type:     EventLogout,
		Outcome:  OutcomeSuccess,
		Subject:  principal.Subject,
		Provider: principal.IdentityProvider,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleOIDCStart(w http.ResponseWriter, r *http.Request) {
	if a.Flows == nil {
		a.redirectWithError(w, r, CodeOIDCConfigInvalid)
		return
	}
	target, providerID, err := a.Flows.Start(r.Context(), w, r.URL.Query().Get("provider"))
	if err != nil {
		a.Logger.Warn("oidc start failed", "provider", providerID, "error", err)
		a.Audit.Emit(r.Context(), Event{Type: EventLoginOIDCStart, Outcome: OutcomeFailure, Reason: err.Error(), Provider: providerID})
		a.redirectWithError(w, r, OIDCErrorCode(err))
		return
	}
	a.Audit.Emit(r.Context(), Event{Type: EventLoginOIDCStart, Outcome: OutcomeSuccess, Provider: providerID})
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if a.Flows == nil {
		a.redirectWithError(w, r, CodeOIDCConfigInvalid)
		return
	}
	ctx := r.Context()
	fingerprint := clientFingerprint(r, a.Config.Server.TrustProxyHeaders)
	principal, providerID, err := a.Flows.Callback(ctx, w, r)
	if err != nil {
		a.Logger.Warn("oidc callback failed", "provider", providerID, "error", err)
		a.Audit.Emit(ctx, Event{Type: EventLoginOIDCCallback, Outcome: OutcomeFailure, Reason: err.Error(), Provider: providerID, Fingerprint: fingerprint})
		a.redirectWithError(w, r, OIDCErrorCode(err))
		return
	}
	if err := a.Sessions.Create(w, principal); err != nil {
		a.Logger.Error("session create", "error", err)
		a.Audit.Emit(ctx, Event{Type: EventLoginOIDCCallback, Outcome: OutcomeFailure, Reason: err.Error(), Provider: providerID})
		a.redirectWithError(w, r, CodeOIDCExchangeFailed)
		return
	}
	annotateRequest(ctx, principal)
	a.Audit.Emit(ctx, Event{Type: EventLoginOIDCCallback, Outcome: OutcomeSuccess, Provider: providerID, Subject: principal.Subject, Fingerprint: fingerprint})
	http.Redirect(w, r, a.Config.Server.DashboardPath, http.StatusFound)
}

// redirectWithError sends the browser back to the dashboard with an opaque code.
func (a *App) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	target := url.URL{Path: a.Config.Server.DashboardPath, RawQuery: url.Values{"error": {code}}.Encode()}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func wantsJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
