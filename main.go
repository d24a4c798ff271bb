package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"dashauth/server"
	"dashauth/store"
)

const defaultConfigFile = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("DASHAUTH_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init', 'validate' or 'hash-password'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigFile
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		case "hash-password":
			if err := runHashPassword(os.Stdin, os.Stdout); err != nil {
				log.Fatalf("hash password failed: %v", err)
			}
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init', 'validate' or 'hash-password'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "connect" {
		command = "connect"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		if len(commandArgs) == 0 {
			log.Fatalf("usage: %s [--config path] connect <provider>", os.Args[0])
		}
		providerName := commandArgs[0]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, providerName, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", providerName, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", providerName)
		return
	}

	// Reachability checks only warn.
	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	application, err := server.NewApp(ctx, cfg, kv, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	servers := buildServers(cfg, application.Routes())
	for _, ls := range servers {
		logger.Info("server listening", "addr", ls.srv.Addr, "tls", ls.tls, "auth_mode", cfg.Auth.Mode)
		go func(ls listener) {
			if err := ls.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("listener stopped", "addr", ls.srv.Addr, "error", err)
			}
		}(ls)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, ls := range servers {
		_ = ls.srv.Shutdown(shutdownCtx)
	}
}

type listener struct {
	srv *http.Server
	tls bool
}

func (l listener) serve() error {
	if l.tls {
		return l.srv.ListenAndServeTLS("", "")
	}
	return l.srv.ListenAndServe()
}

// buildServers returns one plain listener in dev mode, or an ACME-backed HTTPS
// listener plus the HTTP challenge/redirect listener otherwise.
func buildServers(cfg server.Config, handler http.Handler) []listener {
	if cfg.Server.DevMode {
		return []listener{{srv: &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
		}}}
	}

	certs := &autocert.Manager{
		Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	return []listener{
		{srv: &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           certs.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}},
		{tls: true, srv: &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         &tls.Config{GetCertificate: certs.GetCertificate, MinVersion: tls.VersionTLS12},
			ReadHeaderTimeout: 10 * time.Second,
		}},
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// openStore selects the key-value store backing throttle, discovery and state ledger.
func openStore(ctx context.Context, cfg server.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "redis":
		rs, err := store.NewRedis(ctx, store.RedisConfig{
			Addrs:      cfg.Redis.Addrs,
			MasterName: cfg.Redis.MasterName,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

// runConnect resolves a provider's authorization URL and follows it to the
// provider's login page to prove connectivity and client registration.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerName string, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	registry, err := server.NewProviderRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	kv := store.NewMemory()
	discovery := server.NewDiscoveryCache(kv, client, cfg.OIDC.DiscoveryTTL, logger)
	flows, err := server.NewFlowOrchestrator(cfg, registry, discovery, kv, client, logger)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	provider, ok := flows.Provider(providerName)
	if !ok {
		return fmt.Errorf("provider %s not configured", providerName)
	}

	endpoint, err := server.ProbeAuthorizationEndpoint(ctx, provider)
	if err != nil {
		return fmt.Errorf("resolve authorization endpoint: %w", err)
	}
	logger.Info("connect.endpoint", "provider", providerName, "authorization_endpoint", endpoint)

	flow, err := server.NewFlowState(providerName)
	if err != nil {
		return err
	}
	authURL, err := provider.AuthCodeURL(ctx, flow)
	if err != nil {
		return fmt.Errorf("resolve authorization endpoint: %w", err)
	}
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", providerName, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", providerName, "message", "Reached provider login endpoint")
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// loadConfig reads path, or ./config.yaml when present, or environment only.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else {
			logger.Debug("no config file, using environment only")
			return server.LoadConfig("")
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(bufio.NewReader(os.Stdin), path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for _, target := range reachabilityTargets(cfg) {
		if err := validateURL(ctx, target.url); err != nil {
			logger.Error("URL validation failed", "kind", target.kind, "name", target.name, "url", target.url, "error", err)
		} else {
			logger.Info("URL is accessible", "kind", target.kind, "name", target.name, "url", target.url)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, target := range reachabilityTargets(cfg) {
		if err := validateURL(ctx, target.url); err != nil {
			logger.Warn("URL may not be accessible",
				"kind", target.kind,
				"name", target.name,
				"url", target.url,
				"error", err,
				"note", "server will continue but requests depending on it may fail")
		} else {
			logger.Debug("URL is accessible", "kind", target.kind, "name", target.name, "url", target.url)
		}
	}
}

type reachabilityTarget struct {
	kind string
	name string
	url  string
}

func reachabilityTargets(cfg server.Config) []reachabilityTarget {
	var out []reachabilityTarget
	if cfg.Auth.Mode == server.AuthModeOIDC {
		if registry, err := server.NewProviderRegistry(cfg); err == nil {
			for _, p := range registry.Providers() {
				if p.Protocol == server.ProtocolOIDC {
					out = append(out, reachabilityTarget{kind: "provider", name: p.ID, url: p.Issuer + "/.well-known/openid-configuration"})
				}
			}
		}
	}
	if cfg.Backend.Target != "" {
		out = append(out, reachabilityTarget{kind: "backend", name: "backend", url: cfg.Backend.Target})
	}
	return out
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}

	return nil
}

func runHashPassword(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	password, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return errors.New("empty password on stdin")
	}
	hash, err := server.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// runSetup walks the operator through a password-mode configuration.
func runSetup(reader *bufio.Reader, path string, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for password login. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, "Dashboard public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. dash.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.Auth.Mode = server.AuthModePassword
	cfg.Auth.Username = ask(reader, "Operator username", cfg.Auth.Username)
	password := askRequired(reader, "Operator password")
	hash, err := server.HashPassword(password)
	if err != nil {
		return server.Config{}, fmt.Errorf("hash password: %w", err)
	}
	cfg.Auth.PasswordSecret = hash
	cfg.Session.Secret = randomHex(32)

	if target := ask(reader, "Backend API URL (blank to skip)", ""); target != "" {
		cfg.Backend.Target = target
		cfg.ProxyToken.Secret = randomHex(32)
		cfg.ProxyToken.Audience = ask(reader, "Backend token audience", cfg.ProxyToken.Audience)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
