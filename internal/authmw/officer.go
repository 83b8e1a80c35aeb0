package authmw

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinSecretLen is the shortest accepted signing secret in bytes.
const MinSecretLen = 32

// ErrExpiredToken is returned for well-formed tokens past their expiry.
var ErrExpiredToken = errors.New("authmw: token expired")

// OfficerClaims is the payload of an officer token.
type OfficerClaims struct {
	OfficerID string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Signer issues and verifies officer tokens of the form
// base64url(claims) "." base64url(HMAC-SHA256(secret, claims)).
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner returns a Signer keyed by secret.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("officer token secret must be at least %d bytes", MinSecretLen)
	}
	return &Signer{key: []byte(secret), now: time.Now}, nil
}

// Issue returns a token for officerID valid for ttl.
func (s *Signer) Issue(officerID string, ttl time.Duration) (string, error) {
	if officerID == "" {
		return "", errors.New("officer id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := s.now()
	payload, err := json.Marshal(OfficerClaims{
		OfficerID: officerID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	body := enc.EncodeToString(payload)
	return body + "." + enc.EncodeToString(s.sign(body)), nil
}

// Verify checks the signature and expiry of token.
func (s *Signer) Verify(token string) (OfficerClaims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return OfficerClaims{}, ErrInvalidToken
	}
	enc := base64.RawURLEncoding
	got, err := enc.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.sign(body)) {
		return OfficerClaims{}, ErrInvalidToken
	}
	payload, err := enc.DecodeString(body)
	if err != nil {
		return OfficerClaims{}, ErrInvalidToken
	}
	var c OfficerClaims
	if err := json.Unmarshal(payload, &c); err != nil || c.OfficerID == "" {
		return OfficerClaims{}, ErrInvalidToken
	}
	if !s.now().Before(time.Unix(c.ExpiresAt, 0)) {
		return OfficerClaims{}, ErrExpiredToken
	}
	return c, nil
}

// Authenticate implements Verifier and the realtime gateway's
// authenticator; the principal is the officer id.
func (s *Signer) Authenticate(_ context.Context, token string) (string, error) {
	c, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	return c.OfficerID, nil
}

func (s *Signer) sign(body string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
