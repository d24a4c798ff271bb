package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"dashauth/store"
)

const testOrigin = "http://127.0.0.1:8080"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := validPasswordConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	app, err := NewApp(context.Background(), cfg, store.NewMemory(), discardLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func jsonLogin(password string) *http.Request {
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": password})
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(string(body)))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Origin", testOrigin)
	r.RemoteAddr = "192.0.2.10:4000"
	r.Header.Set("User-Agent", "handlers-test")
	return r
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == "dash_session" && c.Value != "" {
			return c
		}
	}
	t.Fatalf("session cookie not set")
	return nil
}

func loginCookie(t *testing.T, h http.Handler) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, jsonLogin("hunter2"))
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body=%s", w.Code, w.Body.String())
	}
	return sessionCookie(t, w)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestPasswordLoginCreatesSession(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, jsonLogin("hunter2"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	c := sessionCookie(t, w)
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Fatalf("session cookie attributes wrong: %+v", c)
	}
	if c.MaxAge != int(DefaultSessionTTL.Seconds()) {
		t.Fatalf("cookie MaxAge = %d", c.MaxAge)
	}

	r := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	r.AddCookie(c)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("session status = %d", w.Code)
	}
	body := decodeBody(t, w)
	principal, _ := body["principal"].(map[string]any)
	if principal["sub"] != "admin" || principal["provider"] != "password" {
		t.Fatalf("unexpected principal %v", principal)
	}
}

func TestPasswordLoginFormRedirects(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.Server.DashboardPath = "/dashboard" })
	form := url.Values{"password": {"hunter2"}}
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/dashboard" {
		t.Fatalf("status = %d location = %q", w.Code, w.Header().Get("Location"))
	}
	sessionCookie(t, w)
}

func TestPasswordLoginRejectsWrongPassword(t *testing.T) {
	app := newTestApp(t, nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, jsonLogin("wrong"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "invalid_credentials" {
		t.Fatalf("unexpected error body %s", w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "dash_session" {
			t.Fatalf("no session cookie on failure")
		}
	}
}

func TestPasswordLoginLockout(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	for i := 1; i <= 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, jsonLogin("wrong"))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, jsonLogin("hunter2"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry <= 0 {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if decodeBody(t, w)["error"] != "rate_limited" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestPasswordLoginSuccessClearsThrottle(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	for i := 0; i < 4; i++ {
		h.ServeHTTP(httptest.NewRecorder(), jsonLogin("wrong"))
	}
	loginCookie(t, h)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, jsonLogin("wrong"))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("counter should have been cleared by the success, status = %d", w.Code)
		}
	}
}

func TestLoginRejectsForeignOrigin(t *testing.T) {
	app := newTestApp(t, nil)
	r := jsonLogin("hunter2")
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestLoginMissingPassword(t *testing.T) {
	app := newTestApp(t, nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, jsonLogin(""))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSessionEndpointRequiresCookie(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	r.AddCookie(&http.Cookie{Name: "dash_session", Value: "forged.value"})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("forged cookie status = %d", w.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()
	c := loginCookie(t, h)

	r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	r.Header.Set("Origin", testOrigin)
	r.AddCookie(c)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	cleared := false
	for _, rc := range w.Result().Cookies() {
		if rc.Name == "dash_session" && rc.MaxAge < 0 && rc.Value == "" {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("logout should expire the session cookie")
	}
}

func TestDisabledModeTreatsEveryoneAsSignedIn(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Auth.Mode = AuthModeDisabled
		c.Session.Secret = ""
	})
	h := app.Routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	principal, _ := decodeBody(t, w)["principal"].(map[string]any)
	if principal["sub"] != "anonymous" || principal["provider"] != "disabled" {
		t.Fatalf("unexpected principal %v", principal)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, jsonLogin("hunter2"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("password login should be unavailable, status = %d", w.Code)
	}
}

func githubApp(t *testing.T) *App {
	return newTestApp(t, func(c *Config) {
		c.Auth.Mode = AuthModeOIDC
		c.OIDC.GitHub = UpstreamProvider{ClientID: "gh-client", ClientSecret: "gh-secret"}
	})
}

func TestProvidersEndpoint(t *testing.T) {
	app := githubApp(t)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/providers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Mode      string            `json:"mode"`
		Providers []ProviderSummary `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Mode != "oidc" || len(body.Providers) != 1 || body.Providers[0].ID != ProviderGitHub {
		t.Fatalf("unexpected providers response %+v", body)
	}
}

func TestOIDCStartRedirectsToProvider(t *testing.T) {
	app := githubApp(t)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/oidc/start?provider=github", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, githubAuthorizeURL+"?") {
		t.Fatalf("location = %q", loc)
	}
}

func TestOIDCCallbackStateMismatchRedirects(t *testing.T) {
	app := githubApp(t)
	r := callbackRequest("code=abc&state=abc", TransientFlowState{State: "xyz", Nonce: "n", CodeVerifier: testVerifier, ProviderID: ProviderGitHub})
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/?error="+CodeOIDCStateInvalid {
		t.Fatalf("location = %q", loc)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "dash_session" {
			t.Fatalf("no session should be created")
		}
	}
}

func TestOIDCCallbackCreatesSession(t *testing.T) {
	srv := fakeGitHub(t,
		`{"id":7,"login":"octocat","email":"octo@example.com"}`,
		`[]`,
	)
	app := newTestApp(t, func(c *Config) {
		c.Auth.Mode = AuthModeOIDC
		c.Server.DashboardPath = "/app"
		c.OIDC.GitHub = githubFlowConfig(srv.URL).OIDC.GitHub
	})

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, callbackRequest("code=ok&state=state-1", storedFlow(ProviderGitHub)))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/app" {
		t.Fatalf("status = %d location = %q", w.Code, w.Header().Get("Location"))
	}
	c := sessionCookie(t, w)
	principal, ok := app.Sessions.codec.Verify(c.Value)
	if !ok || principal.Subject != "github:7" || principal.Email != "octo@example.com" {
		t.Fatalf("unexpected session principal %+v", principal)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	h := app.Routes()
	h.ServeHTTP(httptest.NewRecorder(), jsonLogin("wrong"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `dashauth_auth_events_total{event="login.password",outcome="failure"} 1`) {
		t.Fatalf("auth event counter missing from metrics output")
	}
}
