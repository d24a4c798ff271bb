package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// BackendProxy forwards dashboard API calls to the backend with a freshly
// minted bearer credential in place of the browser's session.
type BackendProxy struct {
	target        *url.URL
	proxy         *httputil.ReverseProxy
	minter        *TokenMinter
	audit         *Auditor
	metrics       *Metrics
	logger        *slog.Logger
	stripPrefix   string
	readScopes    []string
	writeScopes   []string
	sessionCookie string
}

// NewBackendProxy creates the reverse proxy for cfg.Backend.
func NewBackendProxy(cfg Config, minter *TokenMinter, audit *Auditor, metrics *Metrics, logger *slog.Logger) (*BackendProxy, error) {
	targetURL, err := url.Parse(cfg.Backend.Target)
	if err != nil || targetURL.Host == "" {
		return nil, configErrorf("backend.target", "invalid URL %q", cfg.Backend.Target)
	}
	timeout := cfg.Backend.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}

	bp := &BackendProxy{
		target:        targetURL,
		minter:        minter,
		audit:         audit,
		metrics:       metrics,
		logger:        logger,
		stripPrefix:   strings.TrimSuffix(cfg.Backend.StripPrefix, "/"),
		readScopes:    cfg.Backend.ReadScopes,
		writeScopes:   cfg.Backend.WriteScopes,
		sessionCookie: cfg.Session.CookieName,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		// Captured before the director rewrites Host to the target.
		forwardedHost := req.Host
		originalDirector(req)
		if bp.stripPrefix != "" && strings.HasPrefix(req.URL.Path, bp.stripPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, bp.stripPrefix)
			req.URL.RawPath = ""
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}
		req.Host = targetURL.Host
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", forwardedHost)
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		bp.count(fmt.Sprintf("%dxx", resp.StatusCode/100))
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		bp.logger.Error("backend unreachable",
			"target", cfg.Backend.Target,
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		bp.count("unreachable")
		writeError(w, http.StatusBadGateway, "upstream_unreachable", ErrUpstreamUnreachable.Error())
	}
	bp.proxy = proxy
	return bp, nil
}

// ServeHTTP mints a credential for the request's principal and forwards the call.
// It expects SessionGuard.Middleware to have run.
func (bp *BackendProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", "a valid session is required")
		return
	}

	scopes := bp.scopesFor(r.Method)
	minted, err := bp.minter.Mint(r.Context(), &principal, scopes)
	if err != nil {
		bp.audit.Emit(r.Context(), Event{
			Type:     EventProxyTokenMinted,
			Outcome:  OutcomeFailure,
			Reason:   err.Error(),
			Provider: principal.IdentityProvider,
			Subject:  principal.Subject,
		})
		switch {
		case errors.Is(err, ErrAuthRequired):
			writeError(w, http.StatusUnauthorized, "authentication_required", "a valid session is required")
		default:
			bp.logger.Error("proxy token mint failed", "error", err)
			writeError(w, http.StatusInternalServerError, "configuration_error", "backend credentials are not configured")
		}
		return
	}
	bp.audit.Emit(r.Context(), Event{
		Type:     EventProxyTokenMinted,
		Outcome:  OutcomeSuccess,
		Reason:   strings.Join(scopes, " "),
		Provider: principal.IdentityProvider,
		Subject:  principal.Subject,
	})

	out := r.Clone(r.Context())
	out.Header.Del("Authorization")
	stripCookies(out, bp.sessionCookie, FlowStateCookie, FlowNonceCookie, FlowVerifierCookie, FlowProviderCookie)
	out.Header.Set("Authorization", "Bearer "+minted.Token)

	bp.proxy.ServeHTTP(w, out)
}

// scopesFor grants read scopes to safe methods and write scopes otherwise.
func (bp *BackendProxy) scopesFor(method string) []string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return bp.readScopes
	}
	return bp.writeScopes
}

func (bp *BackendProxy) count(result string) {
	if bp.metrics != nil {
		bp.metrics.backendStatus.WithLabelValues(result).Inc()
	}
}

// stripCookies removes the named cookies from the request's Cookie header.
func stripCookies(r *http.Request, names ...string) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		drop := false
		for _, n := range names {
			if c.Name == n {
				drop = true
				break
			}
		}
		if !drop {
			r.AddCookie(c)
		}
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
