package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionDelimiter = "."

// sessionEncoding rejects non-canonical trailing bits so every encoded byte is significant.
var sessionEncoding = base64.RawURLEncoding.Strict()

// sessionPayload is the signed body of a session credential.
type sessionPayload struct {
	SessionPrincipal
	IssuedAt  int64 `json:"iat"`
	ExpiresAt int64 `json:"exp"`
}

// SessionCodec signs and verifies compact session credentials of the form
// base64url(payload) "." base64url(HMAC-SHA256(base64url(payload))).
type SessionCodec struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewSessionCodec builds a codec. The secret must be at least MinSecretLength bytes.
func NewSessionCodec(secret string, ttl time.Duration) (*SessionCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, configErrorf("session.secret", "must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCodec{secret: []byte(secret), ttl: ttl, clock: time.Now}, nil
}

// TTL returns the lifetime applied to newly signed credentials.
func (c *SessionCodec) TTL() time.Duration { return c.ttl }

// Sign issues a credential for principal valid for the configured TTL.
func (c *SessionCodec) Sign(principal SessionPrincipal) (string, error) {
	if principal.Subject == "" || principal.Issuer == "" || !principal.AuthMethod.Valid() {
		return "", errors.New("session principal requires subject, issuer and a known auth method")
	}
	now := c.clock()
	payload := sessionPayload{
		SessionPrincipal: principal,
		IssuedAt:         now.Unix(),
		ExpiresAt:        now.Add(c.ttl).Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := sessionEncoding.EncodeToString(body)
	sig, err := jwt.SigningMethodHS256.Sign(encoded, c.secret)
	if err != nil {
		return "", err
	}
	return encoded + sessionDelimiter + sessionEncoding.EncodeToString(sig), nil
}

// Verify returns the embedded principal when the signature matches and the
// credential has not expired.
func (c *SessionCodec) Verify(raw string) (SessionPrincipal, bool) {
	parts := strings.Split(raw, sessionDelimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return SessionPrincipal{}, false
	}
	sig, err := sessionEncoding.DecodeString(parts[1])
	if err != nil {
		return SessionPrincipal{}, false
	}
	// HMAC comparison inside Verify is constant time.
	if err := jwt.SigningMethodHS256.Verify(parts[0], sig, c.secret); err != nil {
		return SessionPrincipal{}, false
	}

	body, err := sessionEncoding.DecodeString(parts[0])
	if err != nil {
		return SessionPrincipal{}, false
	}
	var payload sessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return SessionPrincipal{}, false
	}
	if payload.Subject == "" || payload.Issuer == "" || !payload.AuthMethod.Valid() {
		return SessionPrincipal{}, false
	}
	if payload.IssuedAt <= 0 || payload.ExpiresAt <= 0 {
		return SessionPrincipal{}, false
	}
	if c.clock().Unix() >= payload.ExpiresAt {
		return SessionPrincipal{}, false
	}
	return payload.SessionPrincipal, true
}
