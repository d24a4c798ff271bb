package server

import (
	"context"
	"net/http"
	"strings"
)

// SessionGuard is the entry point protected routes use to require a principal.
//
// A request is SignedIn when it carries a valid, unexpired session cookie and
// SignedOut otherwise. In disabled mode every request is treated as SignedIn
// with a fixed anonymous principal.
type SessionGuard struct {
	mode       AuthMode
	sessions   *SessionManager
	audit      *Auditor
	anonymous  SessionPrincipal
	trustProxy bool
}

// NewSessionGuard constructs the guard for the configured auth mode.
func NewSessionGuard(cfg Config, sessions *SessionManager, audit *Auditor) *SessionGuard {
	return &SessionGuard{
		mode:       cfg.Auth.Mode,
		sessions:   sessions,
		audit:      audit,
		trustProxy: cfg.Server.TrustProxyHeaders,
		anonymous: SessionPrincipal{
			Subject:          "anonymous",
			Issuer:           strings.TrimSuffix(cfg.Server.PublicURL, "/"),
			AuthMethod:       AuthMethodDisabled,
			IdentityProvider: string(AuthModeDisabled),
		},
	}
}

// Disabled reports whether authentication is switched off.
func (g *SessionGuard) Disabled() bool { return g.mode == AuthModeDisabled }

// Require returns the authenticated principal or ErrAuthRequired.
func (g *SessionGuard) Require(r *http.Request) (SessionPrincipal, error) {
	if g.Disabled() {
		return g.anonymous, nil
	}
	principal, ok := g.sessions.Fetch(r)
	if !ok {
		return SessionPrincipal{}, ErrAuthRequired
	}
	return principal, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal on the request context otherwise. A present but invalid cookie is
// cleared so the browser returns to the signed-out state.
func (g *SessionGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.Require(r)
		if err != nil {
			if c, cerr := r.Cookie(g.sessions.CookieName()); cerr == nil && c.Value != "" {
				g.sessions.Clear(w)
				g.audit.Emit(r.Context(), Event{
					Type:        EventSessionRejected,
					Outcome:     OutcomeFailure,
					Reason:      "invalid or expired session",
					Fingerprint: clientFingerprint(r, g.trustProxy),
				})
			}
			writeError(w, http.StatusUnauthorized, "authentication_required", "a valid session is required")
			return
		}
		annotateRequest(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

type principalKey struct{}

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal SessionPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal stored by the guard middleware.
func PrincipalFromContext(ctx context.Context) (SessionPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(SessionPrincipal)
	return p, ok
}
