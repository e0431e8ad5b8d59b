// Package auth issues and verifies the short-lived bearer tokens that
// gate the websocket endpoint. Tokens are HMAC-SHA256 signed and
// carry only an expiry; there is no server-side token state.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Signer mints and checks tokens with a shared secret. An empty
// secret disables auth entirely; Verify then accepts anything.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

// Mint returns a token of the form "<expiry-unix>.<sig>" valid for
// the configured TTL.
func (s *Signer) Mint(now time.Time) string {
	exp := strconv.FormatInt(now.Add(s.ttl).Unix(), 10)
	return exp + "." + s.sign(exp)
}

// Verify checks signature and expiry. When auth is disabled every
// token, including an empty one, passes.
func (s *Signer) Verify(token string, now time.Time) error {
	if !s.Enabled() {
		return nil
	}
	exp, sig, ok := strings.Cut(token, ".")
	if !ok {
		return ErrTokenInvalid
	}
	if !hmac.Equal([]byte(s.sign(exp)), []byte(sig)) {
		return ErrTokenInvalid
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrTokenInvalid
	}
	if now.Unix() > unix {
		return fmt.Errorf("%w: expired at %d", ErrTokenExpired, unix)
	}
	return nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
