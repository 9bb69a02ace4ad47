package artifacts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, and tokens
	// issued for a different artifact.
	ErrInvalidToken = errors.New("artifacts: invalid token")
	// ErrExpired means the token's signature checked out but its expiry
	// has passed.
	ErrExpired = errors.New("artifacts: token expired")
)

// TokenService issues and verifies signed download tokens. A token binds an
// artifact id to an expiry instant; tampering with either invalidates the
// HMAC. Tokens are bearer credentials, so URLs carrying them should be
// treated as secrets.
type TokenService struct {
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// NewTokenService returns a service signing with secret. baseURL prefixes
// the URLs produced by DownloadURL.
func NewTokenService(secret string, ttl time.Duration, baseURL string) *TokenService {
	return &TokenService{
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Issue returns a token granting download access to artifactID until the
// configured TTL elapses.
func (t *TokenService) Issue(artifactID string) string {
	expiry := t.now().Add(t.ttl).Unix()
	payload := fmt.Sprintf("%s|%d", artifactID, expiry)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(t.sign(payload))
}

// Verify checks token against artifactID. The signature is compared in
// constant time before the expiry is considered, so an attacker cannot
// distinguish a forged token from a stale one.
func (t *TokenService) Verify(token, artifactID string) error {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(sig, t.sign(string(payload))) {
		return ErrInvalidToken
	}

	id, expiryStr, ok := strings.Cut(string(payload), "|")
	if !ok {
		return ErrInvalidToken
	}
	if id != artifactID {
		return ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return ErrInvalidToken
	}
	if t.now().Unix() > expiry {
		return ErrExpired
	}
	return nil
}

// DownloadURL returns a ready-to-use download URL with a fresh token.
func (t *TokenService) DownloadURL(artifactID string) string {
	return fmt.Sprintf("%s/artifacts/%s?token=%s",
		t.baseURL, artifactID, url.QueryEscape(t.Issue(artifactID)))
}

func (t *TokenService) sign(payload string) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
