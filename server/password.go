package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Prefix      = "$argon2"
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 2
	argon2SaltLength  = 16
	argon2KeyLength   = 32
)

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func isArgon2Hash(secret string) bool {
	return strings.HasPrefix(secret, argon2Prefix)
}

// parseArgon2Hash decodes $argon2id$v=19$m=X,t=Y,p=Z$salt$hash.
func parseArgon2Hash(encoded string) (argon2Params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return argon2Params{}, errors.New("invalid argon2id hash: expected 6 parts")
	}
	if parts[1] != "argon2id" {
		return argon2Params{}, errors.New("invalid argon2id hash: wrong algorithm")
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return argon2Params{}, errors.New("invalid argon2id hash: unsupported version")
	}
	var p argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argon2Params{}, fmt.Errorf("invalid argon2id hash parameters: %w", err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return argon2Params{}, errors.New("invalid argon2id hash: parameters must be positive")
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return argon2Params{}, fmt.Errorf("invalid argon2id salt: %w", err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return argon2Params{}, fmt.Errorf("invalid argon2id key: %w", err)
	}
	if len(p.key) == 0 {
		return argon2Params{}, errors.New("invalid argon2id hash: empty key")
	}
	return p, nil
}

// HashPassword returns a PHC-format argon2id hash suitable for auth.password_secret.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// PasswordVerifier checks a submitted password against the configured secret,
// which is either plaintext or an argon2id hash.
type PasswordVerifier struct {
	username string
	secret   string
	hash     *argon2Params
}

// NewPasswordVerifier parses the configured secret once.
func NewPasswordVerifier(cfg AuthConfig) (*PasswordVerifier, error) {
	if cfg.PasswordSecret == "" {
		return nil, configErrorf("auth.password_secret", "is required in password mode")
	}
	v := &PasswordVerifier{username: cfg.Username, secret: cfg.PasswordSecret}
	if isArgon2Hash(cfg.PasswordSecret) {
		p, err := parseArgon2Hash(cfg.PasswordSecret)
		if err != nil {
			return nil, configErrorf("auth.password_secret", "%v", err)
		}
		v.hash = &p
	}
	return v, nil
}

// Username is the subject recorded for password sessions.
func (v *PasswordVerifier) Username() string {
	if v.username == "" {
		return "admin"
	}
	return v.username
}

// Verify reports whether username and password match. An empty username is
// accepted for single-operator deployments.
func (v *PasswordVerifier) Verify(username, password string) bool {
	userOK := username == "" || subtle.ConstantTimeCompare([]byte(username), []byte(v.Username())) == 1
	var passOK bool
	if v.hash != nil {
		computed := argon2.IDKey([]byte(password), v.hash.salt, v.hash.time, v.hash.memory, v.hash.threads, uint32(len(v.hash.key)))
		passOK = subtle.ConstantTimeCompare(computed, v.hash.key) == 1
	} else {
		// Digests keep the comparison length independent of the input.
		got := sha256.Sum256([]byte(password))
		want := sha256.Sum256([]byte(v.secret))
		passOK = subtle.ConstantTimeCompare(got[:], want[:]) == 1
	}
	return userOK && passOK
}
