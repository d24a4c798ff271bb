package server

import (
	"net/http"
	"time"
)

// SessionManager writes and reads the signed session cookie.
type SessionManager struct {
	codec      *SessionCodec
	cookieName string
	secure     bool
}

// NewSessionManager constructs a session manager honouring config.
// A nil codec, used when auth is disabled, never yields a session.
func NewSessionManager(cfg Config, codec *SessionCodec) *SessionManager {
	return &SessionManager{
		codec:      codec,
		cookieName: cfg.Session.CookieName,
		secure:     cfg.SecureCookies(),
	}
}

// Fetch returns the principal carried by the request cookie, if valid.
func (sm *SessionManager) Fetch(r *http.Request) (SessionPrincipal, bool) {
	if sm.codec == nil {
		return SessionPrincipal{}, false
	}
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil || cookie.Value == "" {
		return SessionPrincipal{}, false
	}
	return sm.codec.Verify(cookie.Value)
}

// Create signs a credential for principal and sets it as the session cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, principal SessionPrincipal) error {
	if sm.codec == nil {
		return configErrorf("session.secret", "sessions are not configured")
	}
	value, err := sm.codec.Sign(principal)
	if err != nil {
		return err
	}
	ttl := sm.codec.TTL()
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
	})
	return nil
}

// Clear overwrites the session cookie with an empty, already-expired value.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

// CookieName returns the session cookie name.
func (sm *SessionManager) CookieName() string { return sm.cookieName }
