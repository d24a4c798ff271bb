package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dashauth/store"
)

const (
	discoveryKeyPrefix = "discovery:"
	wellKnownPath      = "/.well-known/openid-configuration"
	maxDiscoveryBytes  = 1 << 20
)

// DiscoveryDocument is the subset of provider metadata the flow consumes.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
}

type discoveryEntry struct {
	Issuer    string            `json:"issuer"`
	FetchedAt time.Time         `json:"fetched_at"`
	Document  DiscoveryDocument `json:"document"`
}

// DiscoveryCache memoizes discovery documents per issuer for a fixed TTL.
type DiscoveryCache struct {
	store  store.Store
	client *http.Client
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time
}

// NewDiscoveryCache constructs a cache over kv. A zero ttl uses DefaultDiscoveryTTL.
func NewDiscoveryCache(kv store.Store, client *http.Client, ttl time.Duration, logger *slog.Logger) *DiscoveryCache {
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultUpstreamTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryCache{store: kv, client: client, ttl: ttl, logger: logger, clock: time.Now}
}

// Get returns the discovery document for issuer, fetching it on a miss or
// when the cached entry is older than the TTL.
func (d *DiscoveryCache) Get(ctx context.Context, issuer string) (DiscoveryDocument, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	key := discoveryKeyPrefix + issuer

	raw, ok, err := d.store.Get(ctx, key)
	switch {
	case err != nil:
		d.logger.Warn("discovery cache read failed, refetching", "issuer", issuer, "error", err)
	case ok:
		var entry discoveryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			d.logger.Warn("discovery cache entry corrupt, refetching", "issuer", issuer, "error", err)
		} else if d.clock().Sub(entry.FetchedAt) < d.ttl {
			return entry.Document, nil
		}
	}

	doc, err := d.fetch(ctx, issuer)
	if err != nil {
		return DiscoveryDocument{}, err
	}
	entry := discoveryEntry{Issuer: issuer, FetchedAt: d.clock(), Document: doc}
	if raw, err := json.Marshal(entry); err == nil {
		// The store's own expiry is a safety net; freshness is decided by FetchedAt.
		if err := d.store.Set(ctx, key, raw, 2*d.ttl); err != nil {
			d.logger.Warn("discovery cache write failed", "issuer", issuer, "error", err)
		}
	}
	return doc, nil
}

func (d *DiscoveryCache) fetch(ctx context.Context, issuer string) (DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+wellKnownPath, nil)
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: discovery request: %v", ErrOIDCConfigInvalid, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: fetch discovery for %s: %v", ErrOIDCProviderError, issuer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DiscoveryDocument{}, fmt.Errorf("%w: discovery for %s returned %s", ErrOIDCProviderError, issuer, resp.Status)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&doc); err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: decode discovery for %s: %v", ErrOIDCProviderError, issuer, err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return DiscoveryDocument{}, fmt.Errorf("%w: discovery for %s lacks authorization or token endpoint", ErrOIDCConfigInvalid, issuer)
	}
	if doc.Issuer == "" {
		doc.Issuer = issuer
	}
	return doc, nil
}
