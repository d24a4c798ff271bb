package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OriginGuard rejects state-changing requests that do not come from an allowed origin.
type OriginGuard struct {
	allowed      map[string]struct{}
	allowMissing bool
}

// NewOriginGuard builds a guard from config. An empty allow-list defaults to
// the public URL's own origin.
func NewOriginGuard(cfg Config) *OriginGuard {
	g := &OriginGuard{
		allowed:      make(map[string]struct{}),
		allowMissing: cfg.Origin.AllowMissingOrigin,
	}
	origins := cfg.Origin.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{cfg.Server.PublicURL}
	}
	for _, o := range origins {
		if n, ok := normalizeOrigin(o); ok {
			g.allowed[n] = struct{}{}
		}
	}
	return g
}

// Enforce returns nil for safe methods and for mutating requests whose origin
// is allowed. Rejections wrap ErrOriginRejected.
func (g *OriginGuard) Enforce(r *http.Request) error {
	if !isMutatingMethod(r.Method) {
		return nil
	}
	origin := requestOrigin(r)
	if origin == "" {
		if g.allowMissing {
			return nil
		}
		return fmt.Errorf("%w: missing origin", ErrOriginRejected)
	}
	if _, ok := g.allowed[origin]; !ok {
		return fmt.Errorf("%w: %s not allowed", ErrOriginRejected, origin)
	}
	return nil
}

// Middleware applies Enforce and answers rejected requests with 403.
func (g *OriginGuard) Middleware(audit *Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Enforce(r); err != nil {
				audit.Emit(r.Context(), Event{
					Type:    EventOriginRejected,
					Outcome: OutcomeFailure,
					Reason:  err.Error(),
				})
				writeError(w, http.StatusForbidden, "origin_rejected", "request origin is not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// requestOrigin prefers the Origin header and falls back to the origin part of Referer.
// An unparseable or opaque ("null") value yields an origin that matches nothing.
func requestOrigin(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("Origin")); raw != "" {
		if n, ok := normalizeOrigin(raw); ok {
			return n
		}
		return raw
	}
	if raw := strings.TrimSpace(r.Header.Get("Referer")); raw != "" {
		if n, ok := normalizeOrigin(raw); ok {
			return n
		}
		return raw
	}
	return ""
}

// normalizeOrigin reduces an absolute http(s) URL to scheme://host[:port],
// lowercased and without the scheme's default port.
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
