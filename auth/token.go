// Package auth issues and verifies the ID tokens the relay server uses to
// authenticate callers. A token is base64url(claims) "." base64url(signature),
// signed with a schnorr signature over the Ed25519 suite.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatroom-e2ee/crypto/key_ed25519"
	"chatroom-e2ee/crypto/signer_schnorr"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrInvalidToken   = errors.New("invalid token signature")
	ErrExpiredToken   = errors.New("token expired")
	ErrNoUser         = errors.New("no authenticated user")
)

type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type Issuer struct {
	key key_ed25519.PrivateKey
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(key key_ed25519.PrivateKey, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	now := i.now()
	claims, err := json.Marshal(Claims{
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	sig, err := signer_schnorr.Sign(i.key, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// TokenFor returns a token source that always issues for userID.
func (i *Issuer) TokenFor(userID string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return i.Issue(userID) }
}

type Verifier struct {
	key key_ed25519.PublicKey
	now func() time.Time
}

func NewVerifier(key key_ed25519.PublicKey) *Verifier {
	return &Verifier{key: key, now: time.Now}
}

// Verify checks the token signature and expiry and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	payload, sigPart, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sigPart == "" {
		return "", ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return "", ErrMalformedToken
	}
	if err := signer_schnorr.Verify(v.key, []byte(payload), sig); err != nil {
		return "", ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrMalformedToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil || claims.Subject == "" {
		return "", ErrMalformedToken
	}
	if v.now().Unix() >= claims.ExpiresAt {
		return "", ErrExpiredToken
	}
	return claims.Subject, nil
}

type userKey struct{}

// WithUser stores the authenticated user id in ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the authenticated user id stored by WithUser.
func UserFrom(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userKey{}).(string)
	if !ok || userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}
