package server

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every auth component. Callers match with errors.Is.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrAuthRequired        = errors.New("authentication required")
	ErrOriginRejected      = errors.New("origin rejected")
	ErrRateLimited         = errors.New("rate limited")
	ErrOIDCStateInvalid    = errors.New("oidc state invalid")
	ErrOIDCExchangeFailed  = errors.New("oidc exchange failed")
	ErrOIDCProviderError   = errors.New("oidc provider error")
	ErrOIDCConfigInvalid   = errors.New("oidc configuration invalid")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RateLimitError is returned while a client fingerprint is locked out.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry after %s", e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the retry delay up to whole seconds, minimum one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// Opaque OIDC error codes surfaced to the browser on the dashboard redirect.
const (
	CodeOIDCStateInvalid   = "oidc_state_invalid"
	CodeOIDCExchangeFailed = "oidc_exchange_failed"
	CodeOIDCProviderError  = "oidc_provider_error"
	CodeOIDCConfigInvalid  = "oidc_config_invalid"
)

// OIDCErrorCode maps a flow failure onto its enumerable browser-facing code.
func OIDCErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrOIDCStateInvalid):
		return CodeOIDCStateInvalid
	case errors.Is(err, ErrOIDCProviderError):
		return CodeOIDCProviderError
	case errors.Is(err, ErrOIDCConfigInvalid), errors.Is(err, ErrConfiguration):
		return CodeOIDCConfigInvalid
	default:
		return CodeOIDCExchangeFailed
	}
}
